package storage

import (
	"context"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
)

// AccountStore persists users and the provider credentials linked to them
type AccountStore interface {
	// User operations
	SaveUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)

	// Account operations. GetAccount returns a NOT_FOUND AppError when the
	// user has no account for the provider.
	SaveAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, userID, provider string) (*domain.Account, error)
	GetAccountByProviderID(ctx context.Context, provider, providerAccountID string) (*domain.Account, error)
	UpdateAccountTokens(ctx context.Context, update domain.TokenUpdate) error
}

// BatchStore persists the history of finished deletion batches
type BatchStore interface {
	SaveDeletionBatch(ctx context.Context, batch *domain.DeletionBatch) error
	GetDeletionBatches(ctx context.Context, userID string, limit int) ([]*domain.DeletionBatch, error)
}

// Storage is the abstract interface for the persistence layer
type Storage interface {
	AccountStore
	BatchStore

	// Migration
	Migrate(ctx context.Context) error

	// Connection management
	Close() error
}

// TokenCipher seals tokens before they reach the database
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PlainText stores tokens as-is. Only meant for local development and tests.
type PlainText struct{}

func (PlainText) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (PlainText) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// DefaultBatchLimit caps history queries that pass a non-positive limit
const DefaultBatchLimit = 50
