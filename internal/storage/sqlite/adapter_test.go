package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	"github.com/kurihiro0119/github-fork-cleaner/internal/encryption"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)
}

func TestSQLiteStorage_Encrypted(t *testing.T) {
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	svc, err := encryption.NewService(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sealed.db")
	s, err := NewSQLiteStorage(path, svc)
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()

	var stored string
	require.NoError(t, raw.QueryRow(`SELECT access_token FROM accounts WHERE user_id = ?`, "u-1").Scan(&stored))
	assert.NotEqual(t, "gho_second", stored)

	plain, err := svc.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, "gho_second", plain)
}

func TestSQLiteStorage_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")

	first, err := NewSQLiteStorage(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.SaveUser(context.Background(), &domain.User{ID: "u", Login: "l"}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStorage(path, nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.Migrate(context.Background()))
	user, err := second.GetUser(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "l", user.Login)
}
