package domain

import "time"

// ProviderGitHub is the identity provider name accounts are stored under
const ProviderGitHub = "github"

// User represents a local user created on first sign-in
type User struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account links a user to an identity provider and holds the credential
// issued by that provider. There is at most one account per (user, provider).
type Account struct {
	UserID                string
	Provider              string
	ProviderAccountID     string
	AccessToken           string
	RefreshToken          string
	ExpiresAt             *time.Time
	RefreshTokenExpiresIn int64 // seconds, as reported by the provider
	Scope                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasCredential reports whether the account carries a usable access token
func (a *Account) HasCredential() bool {
	return a != nil && a.AccessToken != ""
}

// TokenUpdate carries a new token set for an existing account
type TokenUpdate struct {
	UserID                string
	ProviderAccountID     string
	AccessToken           string
	RefreshToken          string
	ExpiresAt             *time.Time
	RefreshTokenExpiresIn int64
}
