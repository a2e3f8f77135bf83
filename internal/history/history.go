package history

import (
	"context"
	"fmt"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
)

// SummaryWindow is the number of most recent batches Summarize looks at
const SummaryWindow = 500

// History reads back finished deletion batches
type History interface {
	// ListBatches returns the most recent batches of a user, newest first
	ListBatches(ctx context.Context, userID string, limit int) ([]*domain.DeletionBatch, error)

	// Summarize aggregates the user's recent batches into totals
	Summarize(ctx context.Context, userID string) (*domain.BatchSummary, error)
}

// history implements the History interface
type history struct {
	storage storage.BatchStore
}

// NewHistory creates a new history reader
func NewHistory(store storage.BatchStore) History {
	return &history{
		storage: store,
	}
}

// ListBatches returns the most recent batches of a user
func (h *history) ListBatches(ctx context.Context, userID string, limit int) ([]*domain.DeletionBatch, error) {
	batches, err := h.storage.GetDeletionBatches(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	if batches == nil {
		batches = []*domain.DeletionBatch{}
	}
	return batches, nil
}

// Summarize aggregates the user's recent batches
func (h *history) Summarize(ctx context.Context, userID string) (*domain.BatchSummary, error) {
	batches, err := h.storage.GetDeletionBatches(ctx, userID, SummaryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize batches: %w", err)
	}
	return Summarize(userID, batches), nil
}

// Summarize folds batches into a summary. Skipped counts repositories left
// unvisited by cancelled batches.
func Summarize(userID string, batches []*domain.DeletionBatch) *domain.BatchSummary {
	summary := &domain.BatchSummary{UserID: userID}
	for _, b := range batches {
		summary.Batches++
		switch b.State {
		case "completed":
			summary.Completed++
		case "cancelled":
			summary.Cancelled++
		}
		summary.Visited += b.Visited()
		summary.Succeeded += b.Succeeded
		summary.Failed += b.Failed
		if skipped := b.Total - b.Visited(); skipped > 0 {
			summary.Skipped += skipped
		}
	}
	return summary
}
