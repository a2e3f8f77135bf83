// Package auth signs users in with GitHub OAuth and keeps them signed in with
// JWT session tokens.
package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/gateway"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
)

// Scopes requested at login. delete_repo is required to remove forks.
var Scopes = []string{"read:user", "public_repo", "delete_repo"}

// Authenticator runs the OAuth authorization code flow against GitHub
type Authenticator struct {
	oauth    *oauth2.Config
	accounts storage.AccountStore
	sessions *SessionManager
	apiURL   string
	logger   logrus.FieldLogger
}

// Option configures an Authenticator
type Option func(*Authenticator)

// WithEndpoint replaces the GitHub OAuth endpoint
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(a *Authenticator) { a.oauth.Endpoint = endpoint }
}

// WithAPIURL sets the GitHub API root used to look up the signed-in user
func WithAPIURL(apiURL string) Option {
	return func(a *Authenticator) { a.apiURL = apiURL }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(clientID, clientSecret, redirectURL string, accounts storage.AccountStore, sessions *SessionManager, opts ...Option) *Authenticator {
	a := &Authenticator{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     githuboauth.Endpoint,
		},
		accounts: accounts,
		sessions: sessions,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewState returns a fresh OAuth state value
func NewState() string {
	return uuid.New().String()
}

// AuthCodeURL returns the GitHub page the user is redirected to
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

// Sessions returns the session manager
func (a *Authenticator) Sessions() *SessionManager {
	return a.sessions
}

// Complete exchanges code for a token, links it to a local user and issues a session
func (a *Authenticator) Complete(ctx context.Context, code string) (string, *domain.User, error) {
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return "", nil, apperrors.NewAuthError("failed to exchange authorization code", err)
	}

	client, err := gateway.NewClient(token.AccessToken, a.apiURL)
	if err != nil {
		return "", nil, apperrors.NewInternalError("failed to build GitHub client", err)
	}
	ghUser, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return "", nil, apperrors.NewUpstreamError("failed to fetch GitHub user", apperrors.ReasonUnavailable, err)
	}
	providerAccountID := strconv.FormatInt(ghUser.GetID(), 10)

	userID := uuid.New().String()
	existing, err := a.accounts.GetAccountByProviderID(ctx, domain.ProviderGitHub, providerAccountID)
	switch {
	case err == nil:
		userID = existing.UserID
	case !apperrors.IsNotFound(err):
		return "", nil, apperrors.NewInternalError("failed to look up account", err)
	}

	user := &domain.User{
		ID:        userID,
		Login:     ghUser.GetLogin(),
		Name:      ghUser.GetName(),
		Email:     ghUser.GetEmail(),
		AvatarURL: ghUser.GetAvatarURL(),
	}
	if err := a.accounts.SaveUser(ctx, user); err != nil {
		return "", nil, apperrors.NewInternalError("failed to save user", err)
	}

	if existing != nil {
		// Returning user: only the token set changes.
		if err := a.StoreRefreshedToken(ctx, userID, providerAccountID, token); err != nil {
			return "", nil, apperrors.NewInternalError("failed to update account tokens", err)
		}
	} else {
		account := &domain.Account{
			UserID:                userID,
			Provider:              domain.ProviderGitHub,
			ProviderAccountID:     providerAccountID,
			AccessToken:           token.AccessToken,
			RefreshToken:          token.RefreshToken,
			RefreshTokenExpiresIn: extraInt(token, "refresh_token_expires_in"),
		}
		if scope, ok := token.Extra("scope").(string); ok {
			account.Scope = scope
		}
		if !token.Expiry.IsZero() {
			expiry := token.Expiry
			account.ExpiresAt = &expiry
		}
		if err := a.accounts.SaveAccount(ctx, account); err != nil {
			return "", nil, apperrors.NewInternalError("failed to save account", err)
		}
	}

	session, _, err := a.sessions.Issue(user)
	if err != nil {
		return "", nil, apperrors.NewInternalError("failed to issue session", err)
	}

	a.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"login":   user.Login,
		"new":     existing == nil,
	}).Info("User signed in")
	return session, user, nil
}

// StoreRefreshedToken replaces the stored token set of an existing account
func (a *Authenticator) StoreRefreshedToken(ctx context.Context, userID, providerAccountID string, token *oauth2.Token) error {
	update := domain.TokenUpdate{
		UserID:                userID,
		ProviderAccountID:     providerAccountID,
		AccessToken:           token.AccessToken,
		RefreshToken:          token.RefreshToken,
		RefreshTokenExpiresIn: extraInt(token, "refresh_token_expires_in"),
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		update.ExpiresAt = &expiry
	}
	return a.accounts.UpdateAccountTokens(ctx, update)
}

// extraInt reads a numeric field GitHub adds to the token response. JSON
// responses carry numbers, form encoded ones carry strings.
func extraInt(token *oauth2.Token, key string) int64 {
	switch v := token.Extra(key).(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// SessionExpiry returns when a session issued now expires
func (a *Authenticator) SessionExpiry() time.Time {
	return time.Now().Add(a.sessions.TTL())
}
