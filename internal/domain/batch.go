package domain

import "time"

// OutcomeStatus is the result of one delete attempt inside a batch
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome records what happened to one visited repository
type Outcome struct {
	Repository Repository    `json:"repository"`
	Status     OutcomeStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// Succeeded reports whether the delete call was accepted upstream
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// DeletionBatch is the persisted record of a finished batch deletion run
type DeletionBatch struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	State      string    `json:"state"` // "completed" or "cancelled"
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Items      []Outcome `json:"items"`
}

// Visited returns the number of repositories the batch attempted
func (b *DeletionBatch) Visited() int {
	return b.Succeeded + b.Failed
}

// BatchSummary aggregates a user's batch history
type BatchSummary struct {
	UserID    string `json:"user_id"`
	Batches   int    `json:"batches"`
	Completed int    `json:"completed"`
	Cancelled int    `json:"cancelled"`
	Visited   int    `json:"visited"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}
