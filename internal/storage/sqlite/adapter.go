package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
)

// sqliteStorage implements the Storage interface for SQLite
type sqliteStorage struct {
	db     *sql.DB
	cipher storage.TokenCipher
}

// NewSQLiteStorage creates a new SQLite storage instance. A nil cipher stores
// tokens in plain text.
func NewSQLiteStorage(dbPath string, cipher storage.TokenCipher) (storage.Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if cipher == nil {
		cipher = storage.PlainText{}
	}

	s := &sqliteStorage{db: db, cipher: cipher}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *sqliteStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		login TEXT NOT NULL,
		name TEXT,
		email TEXT,
		avatar_url TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		provider TEXT NOT NULL,
		provider_account_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		expires_at TIMESTAMP,
		refresh_token_expires_in INTEGER,
		scope TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, provider)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_provider_account ON accounts(provider, provider_account_id);

	CREATE TABLE IF NOT EXISTS deletion_batches (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		total INTEGER NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deletion_batches_user ON deletion_batches(user_id, started_at);

	CREATE TABLE IF NOT EXISTS batch_repositories (
		batch_id TEXT NOT NULL REFERENCES deletion_batches(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		repo_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT,
		description TEXT,
		status TEXT NOT NULL,
		error TEXT,
		PRIMARY KEY (batch_id, position)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveUser inserts or updates a user
func (s *sqliteStorage) SaveUser(ctx context.Context, user *domain.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, login, name, email, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = excluded.login,
			name = excluded.name,
			email = excluded.email,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Login, user.Name, user.Email, user.AvatarURL, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

// GetUser retrieves a user by ID
func (s *sqliteStorage) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	var name, email, avatarURL sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, name, email, avatar_url, created_at, updated_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Login, &name, &email, &avatarURL, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("user")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Name = name.String
	user.Email = email.String
	user.AvatarURL = avatarURL.String
	return &user, nil
}

// SaveAccount inserts or replaces the account for (user, provider)
func (s *sqliteStorage) SaveAccount(ctx context.Context, account *domain.Account) error {
	accessToken, err := s.cipher.Encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refreshToken, err := s.cipher.Encrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}

	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `
		INSERT INTO accounts (user_id, provider, provider_account_id, access_token, refresh_token,
			expires_at, refresh_token_expires_in, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			provider_account_id = excluded.provider_account_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			refresh_token_expires_in = excluded.refresh_token_expires_in,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		account.UserID,
		account.Provider,
		account.ProviderAccountID,
		accessToken,
		nullString(refreshToken),
		nullTime(account.ExpiresAt),
		nullInt(account.RefreshTokenExpiresIn),
		account.Scope,
		account.CreatedAt,
		account.UpdatedAt,
	)
	return err
}

const accountColumns = `user_id, provider, provider_account_id, access_token, refresh_token,
	expires_at, refresh_token_expires_in, scope, created_at, updated_at`

// GetAccount retrieves the account a user holds with a provider
func (s *sqliteStorage) GetAccount(ctx context.Context, userID, provider string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND provider = ?`,
		userID, provider,
	)
	return s.scanAccount(row)
}

// GetAccountByProviderID finds the account linked to a provider-side identity
func (s *sqliteStorage) GetAccountByProviderID(ctx context.Context, provider, providerAccountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND provider_account_id = ?`,
		provider, providerAccountID,
	)
	return s.scanAccount(row)
}

func (s *sqliteStorage) scanAccount(row *sql.Row) (*domain.Account, error) {
	var account domain.Account
	var accessToken string
	var refreshToken, scope sql.NullString
	var expiresAt sql.NullTime
	var refreshExpiresIn sql.NullInt64

	err := row.Scan(
		&account.UserID, &account.Provider, &account.ProviderAccountID,
		&accessToken, &refreshToken, &expiresAt, &refreshExpiresIn, &scope,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("account")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if account.AccessToken, err = s.cipher.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if account.RefreshToken, err = s.cipher.Decrypt(refreshToken.String); err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		account.ExpiresAt = &t
	}
	account.RefreshTokenExpiresIn = refreshExpiresIn.Int64
	account.Scope = scope.String
	return &account, nil
}

// UpdateAccountTokens replaces the token set of an existing account
func (s *sqliteStorage) UpdateAccountTokens(ctx context.Context, update domain.TokenUpdate) error {
	accessToken, err := s.cipher.Encrypt(update.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refreshToken, err := s.cipher.Encrypt(update.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET access_token = ?, refresh_token = ?, expires_at = ?, refresh_token_expires_in = ?, updated_at = ?
		WHERE user_id = ? AND provider_account_id = ?
	`,
		accessToken,
		nullString(refreshToken),
		nullTime(update.ExpiresAt),
		nullInt(update.RefreshTokenExpiresIn),
		time.Now(),
		update.UserID,
		update.ProviderAccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError("account")
	}
	return nil
}

// SaveDeletionBatch stores a finished batch together with its per-repository outcomes
func (s *sqliteStorage) SaveDeletionBatch(ctx context.Context, batch *domain.DeletionBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deletion_batches (id, user_id, state, total, succeeded, failed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, batch.ID, batch.UserID, batch.State, batch.Total, batch.Succeeded, batch.Failed, batch.StartedAt, batch.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_repositories (batch_id, position, repo_id, owner, name, url, description, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, item := range batch.Items {
		repo := item.Repository
		if _, err := stmt.ExecContext(ctx,
			batch.ID, i, repo.ID, repo.Owner, repo.Name, repo.URL, repo.Description, string(item.Status), nullString(item.Error),
		); err != nil {
			return fmt.Errorf("failed to insert batch item %s: %w", repo.FullName(), err)
		}
	}

	return tx.Commit()
}

// GetDeletionBatches returns the most recent batches of a user, newest first
func (s *sqliteStorage) GetDeletionBatches(ctx context.Context, userID string, limit int) ([]*domain.DeletionBatch, error) {
	if limit <= 0 {
		limit = storage.DefaultBatchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, state, total, succeeded, failed, started_at, finished_at
		FROM deletion_batches
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	var batches []*domain.DeletionBatch
	for rows.Next() {
		var b domain.DeletionBatch
		if err := rows.Scan(&b.ID, &b.UserID, &b.State, &b.Total, &b.Succeeded, &b.Failed, &b.StartedAt, &b.FinishedAt); err != nil {
			rows.Close()
			return nil, err
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, b := range batches {
		items, err := s.getBatchItems(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Items = items
	}
	return batches, nil
}

func (s *sqliteStorage) getBatchItems(ctx context.Context, batchID string) ([]domain.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, owner, name, url, description, status, error
		FROM batch_repositories
		WHERE batch_id = ?
		ORDER BY position
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}
	defer rows.Close()

	var items []domain.Outcome
	for rows.Next() {
		var item domain.Outcome
		var url, description, errText sql.NullString
		var status string
		if err := rows.Scan(&item.Repository.ID, &item.Repository.Owner, &item.Repository.Name, &url, &description, &status, &errText); err != nil {
			return nil, err
		}
		item.Repository.URL = url.String
		item.Repository.IsFork = true
		if description.Valid {
			desc := description.String
			item.Repository.Description = &desc
		}
		item.Status = domain.OutcomeStatus(status)
		item.Error = errText.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// Close closes the database connection
func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
