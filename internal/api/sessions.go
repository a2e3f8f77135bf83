package api

import (
	"context"
	"sync"
	"time"

	"github.com/kurihiro0119/github-fork-cleaner/internal/auth"
	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
)

// RepositoryGateway is what the handlers need from the GitHub side.
// Implemented by gateway.Gateway.
type RepositoryGateway interface {
	ListForkRepositories(ctx context.Context) ([]domain.Repository, error)
	DeleteRepository(ctx context.Context, owner, name string) error
	IsIntegrationInstalled(ctx context.Context) (bool, error)
}

// GatewayFactory builds a fresh gateway for a user
type GatewayFactory func(userID string) RepositoryGateway

type sessionGateway struct {
	gateway RepositoryGateway
	expires time.Time
}

// SessionGateways keeps one gateway per signed-in session, so a cached
// GitHub client is never shared between sessions or users
type SessionGateways struct {
	factory GatewayFactory

	mu       sync.Mutex
	sessions map[string]*sessionGateway
}

// NewSessionGateways creates an empty session cache
func NewSessionGateways(factory GatewayFactory) *SessionGateways {
	return &SessionGateways{
		factory:  factory,
		sessions: make(map[string]*sessionGateway),
	}
}

// For returns the gateway of the session described by claims, creating it on first use
func (s *SessionGateways) For(claims *auth.Claims) RepositoryGateway {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.sessions {
		if now.After(entry.expires) {
			delete(s.sessions, id)
		}
	}

	if entry, ok := s.sessions[claims.SessionID()]; ok {
		return entry.gateway
	}

	expires := now.Add(time.Hour)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	entry := &sessionGateway{gateway: s.factory(claims.UserID), expires: expires}
	s.sessions[claims.SessionID()] = entry
	return entry.gateway
}

// Drop forgets the gateway of a session
func (s *SessionGateways) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of cached sessions
func (s *SessionGateways) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
