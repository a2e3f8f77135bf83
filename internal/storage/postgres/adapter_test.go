package postgres

import (
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/github-fork-cleaner/internal/storage/storagetest"
)

// Set POSTGRES_TEST_URL to a disposable database to run these tests.
func TestPostgresStorage(t *testing.T) {
	connStr := os.Getenv("POSTGRES_TEST_URL")
	if connStr == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}

	raw, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	_, err = raw.Exec(`DROP TABLE IF EXISTS batch_repositories, deletion_batches, accounts, users`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := NewPostgresStorage(connStr, nil)
	require.NoError(t, err)
	defer s.Close()

	storagetest.Run(t, s)
}
