// Package deletion runs batch deletions of fork repositories: one repository
// at a time, in selection order, best effort, cancellable between items.
package deletion

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
)

// DefaultGraceInterval is the pause before the first delete call
const DefaultGraceInterval = 2 * time.Second

// Deleter deletes a single repository. Implemented by gateway.Gateway.
// Cancelling ctx must only abort work done before the request is sent, and
// in that case the returned error wraps ctx.Err().
type Deleter interface {
	DeleteRepository(ctx context.Context, owner, name string) error
}

// DeleterFunc adapts a function to Deleter
type DeleterFunc func(ctx context.Context, owner, name string) error

func (f DeleterFunc) DeleteRepository(ctx context.Context, owner, name string) error {
	return f(ctx, owner, name)
}

// Controller starts batch runs against one Deleter
type Controller struct {
	deleter  Deleter
	grace    time.Duration
	logger   logrus.FieldLogger
	observer func(Snapshot)
	onFinish func(Report)
}

// Option configures a Controller
type Option func(*Controller)

// WithGraceInterval sets the pause before the first delete call
func WithGraceInterval(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithObserver registers fn to receive every snapshot, synchronously from
// the run's goroutine
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithCompletionHandler registers fn to receive the final report of every run
func WithCompletionHandler(fn func(Report)) Option {
	return func(c *Controller) { c.onFinish = fn }
}

// NewController creates a controller
func NewController(deleter Deleter, opts ...Option) *Controller {
	c := &Controller{
		deleter: deleter,
		grace:   DefaultGraceInterval,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start snapshots repos and deletes them in order on a new goroutine.
// Duplicate IDs are dropped. Cancelling ctx, or calling Cancel on the
// returned run, stops the run before the next request goes out; a delete
// call already sent is allowed to finish.
func (c *Controller) Start(ctx context.Context, repos []domain.Repository) *Run {
	return c.start(ctx, uuid.New().String(), repos)
}

func (c *Controller) start(ctx context.Context, id string, repos []domain.Repository) *Run {
	run := newRun(ctx, id, domain.NewSelection(repos).Items())

	run.mu.Lock()
	run.state = StateRunning
	run.startedAt = time.Now()
	run.mu.Unlock()

	go c.loop(run)
	return run
}

func (c *Controller) loop(run *Run) {
	logger := c.logger.WithFields(logrus.Fields{
		"batch_id": run.id,
		"total":    run.total,
	})
	logger.Info("Batch deletion started")

	defer c.finish(run, logger)

	if run.total > 0 && c.grace > 0 {
		if !wait(run.ctx, c.grace) {
			return
		}
	}

	for {
		if run.ctx.Err() != nil {
			return
		}

		repo, ok := run.next()
		if !ok {
			return
		}

		err := c.deleter.DeleteRepository(run.ctx, repo.Owner, repo.Name)
		if err != nil && notSent(run.ctx, err) {
			// Cancelled before the request went out; repo stays remaining.
			logger.WithField("repository", repo.FullName()).Debug("Delete abandoned before it was sent")
			return
		}

		outcome := domain.Outcome{Repository: repo, Status: domain.OutcomeSucceeded}
		if err != nil {
			outcome.Status = domain.OutcomeFailed
			outcome.Error = err.Error()
			logger.WithError(err).WithField("repository", repo.FullName()).Warn("Failed to delete repository, continuing")
		} else {
			logger.WithField("repository", repo.FullName()).Debug("Repository deleted")
		}

		c.notify(run.visit(outcome))
	}
}

// notSent reports whether err comes from ctx ending before the deleter
// issued its request
func notSent(ctx context.Context, err error) bool {
	cause := ctx.Err()
	return cause != nil && errors.Is(err, cause)
}

func (c *Controller) finish(run *Run, logger logrus.FieldLogger) {
	snap, report, emitted := run.settle()
	if emitted {
		c.notify(snap)
	}

	logger.WithFields(logrus.Fields{
		"state":     report.State,
		"visited":   len(report.Deleted),
		"succeeded": len(report.Succeeded()),
		"failed":    len(report.Failed()),
	}).Info("Batch deletion finished")

	if c.onFinish != nil {
		c.onFinish(report)
	}
	run.release()
}

func (c *Controller) notify(snap Snapshot) {
	if c.observer != nil {
		c.observer(snap)
	}
}

// next returns the head of remaining without removing it
func (r *Run) next() (domain.Repository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.remaining) == 0 {
		return domain.Repository{}, false
	}
	return r.remaining[0], true
}

// visit moves the head of remaining into deleted and publishes the new
// state. Visiting the last repository completes the run.
func (r *Run) visit(outcome domain.Outcome) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remaining = r.remaining[1:]
	r.deleted = append(r.deleted, outcome)
	if len(r.remaining) == 0 {
		r.state = StateCompleted
	}

	snap := r.snapshotLocked()
	r.publishLocked(snap)
	return snap
}

// settle fixes the terminal state and builds the report. It reports whether
// a terminal snapshot still had to be published, which is the case for
// cancelled and empty runs.
func (r *Run) settle() (Snapshot, Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	emit := false
	if r.state == StateRunning {
		emit = true
		if len(r.remaining) == 0 {
			r.state = StateCompleted
		} else {
			r.state = StateCancelled
		}
	}
	r.finishedAt = time.Now()

	snap := r.snapshotLocked()
	if emit {
		r.publishLocked(snap)
	}

	r.report = Report{
		ID:         r.id,
		State:      r.state,
		Deleted:    cloneOutcomes(r.deleted),
		Remaining:  domain.CloneRepositories(r.remaining),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	return snap, r.report, emit
}

// release closes subscriber channels and wakes waiters
func (r *Run) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeSubscribersLocked()
	close(r.done)
	r.cancel()
}

// wait sleeps for d and reports false if ctx ended first
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
