package deletion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
)

// DefaultRetention is how long finished runs stay addressable by id
const DefaultRetention = time.Hour

// BatchRecorder persists finished batches. Implemented by storage.Storage.
type BatchRecorder interface {
	SaveDeletionBatch(ctx context.Context, batch *domain.DeletionBatch) error
}

type entry struct {
	userID string
	run    *Run
}

// Manager keeps the runs of every user addressable by batch id
type Manager struct {
	recorder  BatchRecorder
	grace     time.Duration
	retention time.Duration
	logger    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*entry
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerGraceInterval sets the grace interval of every run
func WithManagerGraceInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

// WithRetention sets how long finished runs are kept
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retention = d }
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger logrus.FieldLogger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager. recorder may be nil when history is not kept.
func NewManager(recorder BatchRecorder, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		recorder:  recorder,
		grace:     DefaultGraceInterval,
		retention: DefaultRetention,
		logger:    logrus.StandardLogger(),
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a batch for userID. The run is independent of any request
// context; it ends when it completes, is cancelled, or the manager shuts down.
func (m *Manager) Start(userID string, deleter Deleter, repos []domain.Repository) *Run {
	m.prune()

	logger := m.logger.WithField("user_id", userID)
	controller := NewController(deleter,
		WithGraceInterval(m.grace),
		WithLogger(logger),
		WithCompletionHandler(func(report Report) {
			m.record(userID, report, logger)
		}),
	)

	run := controller.start(m.ctx, uuid.New().String(), repos)

	m.mu.Lock()
	m.runs[run.ID()] = &entry{userID: userID, run: run}
	m.mu.Unlock()
	return run
}

// Get returns the run with id if it belongs to userID
func (m *Manager) Get(userID, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.runs[id]
	if !ok || e.userID != userID {
		return nil, apperrors.NewNotFoundError("batch")
	}
	return e.run, nil
}

// Cancel cancels the run with id if it belongs to userID
func (m *Manager) Cancel(userID, id string) (*Run, error) {
	run, err := m.Get(userID, id)
	if err != nil {
		return nil, err
	}
	run.Cancel()
	return run, nil
}

// RecentlyDeleted returns the ids of repositories whose delete succeeded in
// any run of userID still held by the manager. GitHub listings can lag
// behind deletes for a short while.
func (m *Manager) RecentlyDeleted(userID string) []string {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, e := range m.runs {
		if e.userID == userID {
			runs = append(runs, e.run)
		}
	}
	m.mu.Unlock()

	var ids []string
	for _, run := range runs {
		for _, o := range run.Snapshot().Deleted {
			if o.Succeeded() {
				ids = append(ids, o.Repository.ID)
			}
		}
	}
	return ids
}

// Shutdown cancels every active run and waits for them to finish or for ctx to end
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, e := range m.runs {
		runs = append(runs, e.run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		if _, err := run.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) record(userID string, report Report, logger logrus.FieldLogger) {
	if m.recorder == nil {
		return
	}
	// The manager context is already cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.recorder.SaveDeletionBatch(ctx, report.Batch(userID)); err != nil {
		logger.WithError(err).WithField("batch_id", report.ID).Error("Failed to save batch history")
	}
}

func (m *Manager) prune() {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.runs {
		if !e.run.isDone() {
			continue
		}
		if e.run.Report().FinishedAt.Before(cutoff) {
			delete(m.runs, id)
		}
	}
}
