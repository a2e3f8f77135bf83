package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/sirupsen/logrus"
)

// RateLimiter manages GitHub API rate limiting
type RateLimiter interface {
	Wait(ctx context.Context) error
	CheckLimit() (remaining int, resetTime time.Time)
	UpdateLimit(remaining int, resetTime time.Time)
}

const (
	defaultRemaining = 5000 // GitHub API default limit for user tokens
	lowWatermark     = 10
	defaultMinDelay  = 100 * time.Millisecond
)

// githubRateLimiter implements RateLimiter for GitHub API
type githubRateLimiter struct {
	mu        sync.Mutex
	remaining int
	resetTime time.Time
	minDelay  time.Duration
	lastCall  time.Time
	logger    logrus.FieldLogger
}

// NewRateLimiter creates a new rate limiter with the default spacing between calls
func NewRateLimiter(logger logrus.FieldLogger) RateLimiter {
	return NewRateLimiterWithDelay(defaultMinDelay, logger)
}

// NewRateLimiterWithDelay creates a rate limiter that keeps at least minDelay
// between two calls
func NewRateLimiterWithDelay(minDelay time.Duration, logger logrus.FieldLogger) RateLimiter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &githubRateLimiter{
		remaining: defaultRemaining,
		resetTime: time.Now().Add(time.Hour),
		minDelay:  minDelay,
		logger:    logger,
	}
}

// Wait waits until it's safe to make another API call
func (r *githubRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.remaining <= lowWatermark {
		waitDuration := time.Until(r.resetTime)
		if waitDuration > 0 {
			r.logger.WithFields(logrus.Fields{
				"remaining": r.remaining,
				"wait":      waitDuration.Round(time.Second).String(),
			}).Warn("GitHub rate limit low, waiting for reset")
			if err := r.sleep(ctx, waitDuration); err != nil {
				return err
			}
			r.logger.Info("GitHub rate limit reset, continuing")
		}
		r.remaining = defaultRemaining
		r.resetTime = time.Now().Add(time.Hour)
	}

	if elapsed := time.Since(r.lastCall); elapsed < r.minDelay {
		if err := r.sleep(ctx, r.minDelay-elapsed); err != nil {
			return err
		}
	}

	r.lastCall = time.Now()
	return nil
}

// sleep releases the lock while waiting. Must be called with r.mu held.
func (r *githubRateLimiter) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Unlock()
	defer r.mu.Lock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CheckLimit returns the current rate limit status
func (r *githubRateLimiter) CheckLimit() (remaining int, resetTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.resetTime
}

// UpdateLimit updates the rate limit from API response headers
func (r *githubRateLimiter) UpdateLimit(remaining int, resetTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.resetTime = resetTime
}

// updateFromResponse feeds the X-RateLimit headers of resp into the limiter.
// Responses without rate headers are ignored.
func updateFromResponse(limiter RateLimiter, resp *github.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	limiter.UpdateLimit(resp.Rate.Remaining, resp.Rate.Reset.Time)
}
