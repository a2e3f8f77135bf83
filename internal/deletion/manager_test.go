package deletion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/logging"
)

type memoryRecorder struct {
	mu      sync.Mutex
	batches []*domain.DeletionBatch
}

func (r *memoryRecorder) SaveDeletionBatch(_ context.Context, batch *domain.DeletionBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *memoryRecorder) Batches() []*domain.DeletionBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.DeletionBatch(nil), r.batches...)
}

func newTestManager(recorder BatchRecorder, grace time.Duration) *Manager {
	return NewManager(recorder,
		WithManagerGraceInterval(grace),
		WithManagerLogger(logging.Discard()),
	)
}

func TestManager_StartRecordsHistory(t *testing.T) {
	recorder := &memoryRecorder{}
	m := newTestManager(recorder, 0)

	deleter := &fakeDeleter{failing: map[string]error{"fork-1": assert.AnError}}
	run := m.Start("u-1", deleter, forks(3))
	report := waitReport(t, run)
	assert.Equal(t, StateCompleted, report.State)

	batches := recorder.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, run.ID(), batches[0].ID)
	assert.Equal(t, "u-1", batches[0].UserID)
	assert.Equal(t, 2, batches[0].Succeeded)
	assert.Equal(t, 1, batches[0].Failed)
	assert.Len(t, batches[0].Items, 3)
}

func TestManager_GetIsScopedToUser(t *testing.T) {
	m := newTestManager(nil, time.Hour)
	run := m.Start("u-1", &fakeDeleter{}, forks(1))
	defer run.Cancel()

	got, err := m.Get("u-1", run.ID())
	require.NoError(t, err)
	assert.Same(t, run, got)

	_, err = m.Get("u-2", run.ID())
	assert.True(t, apperrors.IsNotFound(err))

	_, err = m.Get("u-1", "missing")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = m.Cancel("u-2", run.ID())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestManager_Cancel(t *testing.T) {
	deleter := &fakeDeleter{}
	m := newTestManager(&memoryRecorder{}, time.Hour)
	run := m.Start("u-1", deleter, forks(2))

	_, err := m.Cancel("u-1", run.ID())
	require.NoError(t, err)

	report := waitReport(t, run)
	assert.Equal(t, StateCancelled, report.State)
	assert.Empty(t, deleter.Calls())
}

func TestManager_RecentlyDeleted(t *testing.T) {
	m := newTestManager(nil, 0)
	deleter := &fakeDeleter{failing: map[string]error{"fork-0": assert.AnError}}
	waitReport(t, m.Start("u-1", deleter, forks(2)))

	assert.Equal(t, []string{"R_fork-1"}, m.RecentlyDeleted("u-1"))
	assert.Empty(t, m.RecentlyDeleted("u-2"))
}

func TestManager_PrunesFinishedRuns(t *testing.T) {
	m := NewManager(nil,
		WithManagerGraceInterval(0),
		WithRetention(time.Nanosecond),
		WithManagerLogger(logging.Discard()),
	)
	old := m.Start("u-1", &fakeDeleter{}, forks(1))
	waitReport(t, old)
	time.Sleep(time.Millisecond)

	m.Start("u-1", &fakeDeleter{}, nil)

	_, err := m.Get("u-1", old.ID())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestManager_Shutdown(t *testing.T) {
	m := newTestManager(nil, time.Hour)
	run := m.Start("u-1", &fakeDeleter{}, forks(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, StateCancelled, run.Report().State)
}
