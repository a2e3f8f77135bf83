// Package storagetest holds behaviour checks shared by every storage adapter.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
)

// Run exercises s against the Storage contract. s must start empty.
func Run(t *testing.T, s storage.Storage) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, s) })
	t.Run("token update", func(t *testing.T) { testTokenUpdate(t, s) })
	t.Run("batches", func(t *testing.T) { testBatches(t, s) })
}

func testAccounts(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "u-1", domain.ProviderGitHub)
	assert.True(t, apperrors.IsNotFound(err), "missing account must be NOT_FOUND, got %v", err)

	user := &domain.User{ID: "u-1", Login: "octocat", Name: "The Octocat"}
	require.NoError(t, s.SaveUser(ctx, user))

	expires := time.Now().Add(8 * time.Hour).UTC().Truncate(time.Second)
	account := &domain.Account{
		UserID:                "u-1",
		Provider:              domain.ProviderGitHub,
		ProviderAccountID:     "583231",
		AccessToken:           "gho_first",
		RefreshToken:          "ghr_first",
		ExpiresAt:             &expires,
		RefreshTokenExpiresIn: 15897600,
		Scope:                 "delete_repo",
	}
	require.NoError(t, s.SaveAccount(ctx, account))

	got, err := s.GetAccount(ctx, "u-1", domain.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "583231", got.ProviderAccountID)
	assert.Equal(t, "gho_first", got.AccessToken)
	assert.Equal(t, "ghr_first", got.RefreshToken)
	assert.Equal(t, int64(15897600), got.RefreshTokenExpiresIn)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.True(t, got.HasCredential())

	byProvider, err := s.GetAccountByProviderID(ctx, domain.ProviderGitHub, "583231")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byProvider.UserID)

	// Saving again replaces the credential in place
	account.AccessToken = "gho_second"
	account.RefreshToken = ""
	account.ExpiresAt = nil
	require.NoError(t, s.SaveAccount(ctx, account))

	got, err = s.GetAccount(ctx, "u-1", domain.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "gho_second", got.AccessToken)
	assert.Empty(t, got.RefreshToken)
	assert.Nil(t, got.ExpiresAt)

	stored, err := s.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "octocat", stored.Login)

	_, err = s.GetUser(ctx, "nobody")
	assert.True(t, apperrors.IsNotFound(err))
}

func testTokenUpdate(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &domain.User{ID: "u-2", Login: "hubot"}))
	require.NoError(t, s.SaveAccount(ctx, &domain.Account{
		UserID:            "u-2",
		Provider:          domain.ProviderGitHub,
		ProviderAccountID: "42",
		AccessToken:       "gho_old",
	}))

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateAccountTokens(ctx, domain.TokenUpdate{
		UserID:                "u-2",
		ProviderAccountID:     "42",
		AccessToken:           "gho_new",
		RefreshToken:          "ghr_new",
		ExpiresAt:             &expires,
		RefreshTokenExpiresIn: 3600,
	}))

	got, err := s.GetAccount(ctx, "u-2", domain.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "gho_new", got.AccessToken)
	assert.Equal(t, "ghr_new", got.RefreshToken)
	assert.Equal(t, int64(3600), got.RefreshTokenExpiresIn)

	err = s.UpdateAccountTokens(ctx, domain.TokenUpdate{UserID: "u-2", ProviderAccountID: "unknown", AccessToken: "x"})
	assert.True(t, apperrors.IsNotFound(err))
}

func testBatches(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	desc := "a fork"
	base := time.Now().UTC().Truncate(time.Second)

	older := &domain.DeletionBatch{
		ID: "b-old", UserID: "u-1", State: "completed", Total: 1, Succeeded: 1,
		StartedAt: base.Add(-time.Hour), FinishedAt: base.Add(-time.Hour + time.Second),
		Items: []domain.Outcome{
			{Repository: domain.Repository{ID: "R_1", Owner: "octocat", Name: "one", IsFork: true}, Status: domain.OutcomeSucceeded},
		},
	}
	newer := &domain.DeletionBatch{
		ID: "b-new", UserID: "u-1", State: "cancelled", Total: 3, Succeeded: 1, Failed: 1,
		StartedAt: base, FinishedAt: base.Add(5 * time.Second),
		Items: []domain.Outcome{
			{Repository: domain.Repository{ID: "R_2", Owner: "octocat", Name: "two", URL: "https://github.com/octocat/two", Description: &desc, IsFork: true}, Status: domain.OutcomeSucceeded},
			{Repository: domain.Repository{ID: "R_3", Owner: "octocat", Name: "three", IsFork: true}, Status: domain.OutcomeFailed, Error: "forbidden"},
		},
	}
	other := &domain.DeletionBatch{ID: "b-other", UserID: "u-2", State: "completed", StartedAt: base, FinishedAt: base}

	require.NoError(t, s.SaveDeletionBatch(ctx, older))
	require.NoError(t, s.SaveDeletionBatch(ctx, newer))
	require.NoError(t, s.SaveDeletionBatch(ctx, other))

	batches, err := s.GetDeletionBatches(ctx, "u-1", 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "b-new", batches[0].ID)
	assert.Equal(t, "b-old", batches[1].ID)

	got := batches[0]
	assert.Equal(t, "cancelled", got.State)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 2, got.Visited())
	require.Len(t, got.Items, 2)
	assert.Equal(t, "R_2", got.Items[0].Repository.ID)
	require.NotNil(t, got.Items[0].Repository.Description)
	assert.Equal(t, "a fork", *got.Items[0].Repository.Description)
	assert.True(t, got.Items[0].Succeeded())
	assert.Equal(t, domain.OutcomeFailed, got.Items[1].Status)
	assert.Equal(t, "forbidden", got.Items[1].Error)

	limited, err := s.GetDeletionBatches(ctx, "u-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b-new", limited[0].ID)

	none, err := s.GetDeletionBatches(ctx, "u-3", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
