package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
)

// postgresStorage implements the Storage interface for PostgreSQL
type postgresStorage struct {
	db     *sql.DB
	cipher storage.TokenCipher
}

// NewPostgresStorage creates a new PostgreSQL storage instance. A nil cipher
// stores tokens in plain text.
func NewPostgresStorage(connStr string, cipher storage.TokenCipher) (storage.Storage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if cipher == nil {
		cipher = storage.PlainText{}
	}

	s := &postgresStorage{db: db, cipher: cipher}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *postgresStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		login VARCHAR(255) NOT NULL,
		name VARCHAR(255),
		email VARCHAR(255),
		avatar_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		provider VARCHAR(32) NOT NULL,
		provider_account_id VARCHAR(64) NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		expires_at TIMESTAMPTZ,
		refresh_token_expires_in BIGINT,
		scope TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, provider)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_provider_account ON accounts(provider, provider_account_id);

	CREATE TABLE IF NOT EXISTS deletion_batches (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		state VARCHAR(32) NOT NULL,
		total INTEGER NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deletion_batches_user ON deletion_batches(user_id, started_at);

	CREATE TABLE IF NOT EXISTS batch_repositories (
		batch_id VARCHAR(64) NOT NULL REFERENCES deletion_batches(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		repo_id VARCHAR(255) NOT NULL,
		owner VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		url TEXT,
		description TEXT,
		status VARCHAR(32) NOT NULL,
		error TEXT,
		PRIMARY KEY (batch_id, position)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveUser inserts or updates a user
func (s *postgresStorage) SaveUser(ctx context.Context, user *domain.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, login, name, email, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			login = EXCLUDED.login,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Login, user.Name, user.Email, user.AvatarURL, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

// GetUser retrieves a user by ID
func (s *postgresStorage) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	var name, email, avatarURL sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, name, email, avatar_url, created_at, updated_at
		FROM users WHERE id = $1
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
func (s *postgresStorage) SaveAccount(ctx context.Context, account *domain.Account) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_account_id = EXCLUDED.provider_account_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			refresh_token_expires_in = EXCLUDED.refresh_token_expires_in,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at
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
func (s *postgresStorage) GetAccount(ctx context.Context, userID, provider string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	return s.scanAccount(row)
}

// GetAccountByProviderID finds the account linked to a provider-side identity
func (s *postgresStorage) GetAccountByProviderID(ctx context.Context, provider, providerAccountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider = $1 AND provider_account_id = $2`,
		provider, providerAccountID,
	)
	return s.scanAccount(row)
}

func (s *postgresStorage) scanAccount(row *sql.Row) (*domain.Account, error) {
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
func (s *postgresStorage) UpdateAccountTokens(ctx context.Context, update domain.TokenUpdate) error {
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
		SET access_token = $1, refresh_token = $2, expires_at = $3, refresh_token_expires_in = $4, updated_at = $5
		WHERE user_id = $6 AND provider_account_id = $7
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
func (s *postgresStorage) SaveDeletionBatch(ctx context.Context, batch *domain.DeletionBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deletion_batches (id, user_id, state, total, succeeded, failed, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, batch.ID, batch.UserID, batch.State, batch.Total, batch.Succeeded, batch.Failed, batch.StartedAt, batch.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_repositories (batch_id, position, repo_id, owner, name, url, description, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
func (s *postgresStorage) GetDeletionBatches(ctx context.Context, userID string, limit int) ([]*domain.DeletionBatch, error) {
	if limit <= 0 {
		limit = storage.DefaultBatchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, state, total, succeeded, failed, started_at, finished_at
		FROM deletion_batches
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	var batches []*domain.DeletionBatch
	index := make(map[string]*domain.DeletionBatch)
	var ids []string
	for rows.Next() {
		var b domain.DeletionBatch
		if err := rows.Scan(&b.ID, &b.UserID, &b.State, &b.Total, &b.Succeeded, &b.Failed, &b.StartedAt, &b.FinishedAt); err != nil {
			rows.Close()
			return nil, err
		}
		batches = append(batches, &b)
		index[b.ID] = &b
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return batches, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, repo_id, owner, name, url, description, status, error
		FROM batch_repositories
		WHERE batch_id = ANY($1)
		ORDER BY batch_id, position
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var batchID, status string
		var item domain.Outcome
		var url, description, errText sql.NullString
		if err := itemRows.Scan(&batchID, &item.Repository.ID, &item.Repository.Owner, &item.Repository.Name, &url, &description, &status, &errText); err != nil {
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
		if b, ok := index[batchID]; ok {
			b.Items = append(b.Items, item)
		}
	}
	return batches, itemRows.Err()
}

// Close closes the database connection
func (s *postgresStorage) Close() error {
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
