// Package gateway wraps the GitHub API calls the fork cleanup workflow needs.
// A Gateway belongs to exactly one user session and memoizes the
// authenticated client it builds from that user's stored credential.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
)

// MaxListed is the number of owned repositories fetched by ListForkRepositories.
// Accounts with more repositories only see forks among the first page.
const MaxListed = 100

// lookupTimeout bounds the credential lookup done by ResolveClient
const lookupTimeout = 10 * time.Second

// AccountLookup is the slice of the account store the gateway depends on
type AccountLookup interface {
	GetAccount(ctx context.Context, userID, provider string) (*domain.Account, error)
}

// StaticToken serves one fixed token for every user. Used by the CLI when
// GITHUB_TOKEN is set.
type StaticToken string

func (t StaticToken) GetAccount(_ context.Context, userID, provider string) (*domain.Account, error) {
	if t == "" {
		return nil, apperrors.NewNotFoundError("account")
	}
	return &domain.Account{UserID: userID, Provider: provider, AccessToken: string(t)}, nil
}

// Gateway is the per-session entry point to the GitHub API
type Gateway struct {
	userID   string
	accounts AccountLookup
	appID    int64
	baseURL  string
	limiter  RateLimiter
	logger   logrus.FieldLogger

	group singleflight.Group

	mu       sync.Mutex
	client   *github.Client
	rejected error
}

// Option configures a Gateway
type Option func(*Gateway)

// WithBaseURL points the client at another API root, e.g. GitHub Enterprise or a test server
func WithBaseURL(baseURL string) Option {
	return func(g *Gateway) { g.baseURL = baseURL }
}

// WithAppID sets the GitHub App whose installation IsIntegrationInstalled looks for
func WithAppID(appID int64) Option {
	return func(g *Gateway) { g.appID = appID }
}

// WithRateLimiter replaces the default rate limiter
func WithRateLimiter(limiter RateLimiter) Option {
	return func(g *Gateway) { g.limiter = limiter }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a gateway for userID. No I/O happens until the first call.
func New(userID string, accounts AccountLookup, opts ...Option) *Gateway {
	g := &Gateway{
		userID:   userID,
		accounts: accounts,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithField("user_id", userID)
	if g.limiter == nil {
		g.limiter = NewRateLimiter(g.logger)
	}
	return g
}

// NewClient builds a go-github client authenticated with token. An empty
// baseURL keeps the public GitHub API.
func NewClient(token, baseURL string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport}}
	client := github.NewClient(tc)

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// ResolveClient returns the authenticated client, looking up the user's
// credential on first use. The account store is consulted at most once per
// gateway once a lookup succeeds; failed lookups are retried on the next call.
func (g *Gateway) ResolveClient(ctx context.Context) (*github.Client, error) {
	g.mu.Lock()
	client, rejected := g.client, g.rejected
	g.mu.Unlock()
	if rejected != nil {
		return nil, rejected
	}
	if client != nil {
		return client, nil
	}

	v, err, _ := g.group.Do("client", func() (interface{}, error) {
		g.mu.Lock()
		if g.client != nil {
			defer g.mu.Unlock()
			return g.client, nil
		}
		g.mu.Unlock()

		// Shared by every caller in the flight, so no single caller's
		// cancellation may fail it.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		account, err := g.accounts.GetAccount(lookupCtx, g.userID, domain.ProviderGitHub)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.NewNoCredentialError(g.userID, domain.ProviderGitHub)
			}
			return nil, apperrors.NewInternalError("failed to look up credential", err)
		}
		if !account.HasCredential() {
			return nil, apperrors.NewNoCredentialError(g.userID, domain.ProviderGitHub)
		}

		client, err := NewClient(account.AccessToken, g.baseURL)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to build GitHub client", err)
		}

		g.mu.Lock()
		g.client = client
		g.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*github.Client), nil
}

// ListForkRepositories returns the forks among the first MaxListed
// repositories owned by the user
func (g *Gateway) ListForkRepositories(ctx context.Context) ([]domain.Repository, error) {
	client, err := g.ResolveClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	opts := &github.RepositoryListOptions{
		Affiliation: "owner",
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: MaxListed},
	}
	repos, resp, err := client.Repositories.List(ctx, "", opts)
	updateFromResponse(g.limiter, resp)
	if err != nil {
		return nil, g.fail(classify("list repositories", err, true))
	}

	all := make([]domain.Repository, 0, len(repos))
	for _, repo := range repos {
		all = append(all, toDomain(repo))
	}
	forks := domain.FilterForks(all)

	g.logger.WithFields(logrus.Fields{
		"listed": len(repos),
		"forks":  len(forks),
	}).Debug("Listed fork repositories")
	return forks, nil
}

// DeleteRepository deletes owner/name. Cancelling ctx while the rate
// limiter holds the call back returns an error wrapping ctx.Err() and
// nothing is sent.
func (g *Gateway) DeleteRepository(ctx context.Context, owner, name string) error {
	client, err := g.ResolveClient(ctx)
	if err != nil {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("delete %s/%s not sent: %w", owner, name, err)
	}

	// Once sent, the request runs to completion even if ctx is cancelled.
	resp, err := client.Repositories.Delete(context.WithoutCancel(ctx), owner, name)
	updateFromResponse(g.limiter, resp)
	if err != nil {
		return g.fail(classify(fmt.Sprintf("delete %s/%s", owner, name), err, false))
	}

	g.logger.WithField("repository", owner+"/"+name).Info("Deleted repository")
	return nil
}

// IsIntegrationInstalled reports whether the user has installed the
// configured GitHub App
func (g *Gateway) IsIntegrationInstalled(ctx context.Context) (bool, error) {
	client, err := g.ResolveClient(ctx)
	if err != nil {
		return false, err
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return false, err
		}
		installations, resp, err := client.Apps.ListUserInstallations(ctx, opts)
		updateFromResponse(g.limiter, resp)
		if err != nil {
			return false, g.fail(classify("list installations", err, true))
		}

		for _, inst := range installations {
			if inst.GetAppID() == g.appID {
				return true, nil
			}
		}

		if resp.NextPage == 0 {
			return false, nil
		}
		opts.Page = resp.NextPage
	}
}

// fail records an AuthError so that every later call on this gateway
// reports it without reaching GitHub again
func (g *Gateway) fail(err error) error {
	if apperrors.IsAuth(err) {
		g.mu.Lock()
		g.rejected = err
		g.client = nil
		g.mu.Unlock()
		g.logger.WithError(err).Warn("GitHub rejected the stored credential")
	}
	return err
}

func toDomain(repo *github.Repository) domain.Repository {
	id := repo.GetNodeID()
	if id == "" {
		id = strconv.FormatInt(repo.GetID(), 10)
	}

	var description *string
	if repo.Description != nil {
		desc := *repo.Description
		description = &desc
	}

	return domain.Repository{
		ID:          id,
		Name:        repo.GetName(),
		Owner:       repo.GetOwner().GetLogin(),
		URL:         repo.GetHTMLURL(),
		Description: description,
		IsFork:      repo.GetFork(),
	}
}
