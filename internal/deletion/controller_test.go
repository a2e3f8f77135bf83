package deletion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/gateway"
	"github.com/kurihiro0119/github-fork-cleaner/internal/logging"
)

// fakeDeleter records delete calls in order and fails the names in failing
type fakeDeleter struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]error
}

func (d *fakeDeleter) DeleteRepository(_ context.Context, owner, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, owner+"/"+name)
	if err, ok := d.failing[name]; ok {
		return err
	}
	return nil
}

func (d *fakeDeleter) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func forks(n int) []domain.Repository {
	repos := make([]domain.Repository, n)
	for i := range repos {
		name := fmt.Sprintf("fork-%d", i)
		repos[i] = domain.Repository{ID: "R_" + name, Name: name, Owner: "octocat", IsFork: true}
	}
	return repos
}

func fullNames(repos []domain.Repository) []string {
	names := make([]string, len(repos))
	for i, r := range repos {
		names[i] = r.FullName()
	}
	return names
}

func outcomeNames(outcomes []domain.Outcome) []string {
	names := make([]string, len(outcomes))
	for i, o := range outcomes {
		names[i] = o.Repository.FullName()
	}
	return names
}

func waitReport(t *testing.T, run *Run) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := run.Wait(ctx)
	require.NoError(t, err)
	return report
}

func TestRun_AllSucceed(t *testing.T) {
	deleter := &fakeDeleter{}
	var mu sync.Mutex
	var progress []float64
	var percents []int

	c := NewController(deleter,
		WithGraceInterval(10*time.Millisecond),
		WithLogger(logging.Discard()),
		WithObserver(func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, s.Progress)
			percents = append(percents, s.Percent())
		}),
	)

	selection := forks(3)
	report := waitReport(t, c.Start(context.Background(), selection))

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, fullNames(selection), outcomeNames(report.Deleted))
	assert.Empty(t, report.Remaining)
	assert.Len(t, report.Succeeded(), 3)
	assert.Empty(t, report.Failed())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 3)
	assert.InDelta(t, 0.33, progress[0], 0.01)
	assert.InDelta(t, 0.67, progress[1], 0.01)
	assert.Equal(t, 1.0, progress[2])
	assert.Equal(t, []int{33, 66, 100}, percents)
}

func TestRun_CancelDuringGrace(t *testing.T) {
	deleter := &fakeDeleter{}
	c := NewController(deleter, WithGraceInterval(time.Hour), WithLogger(logging.Discard()))

	run := c.Start(context.Background(), forks(3))
	run.Cancel()
	report := waitReport(t, run)

	assert.Equal(t, StateCancelled, report.State)
	assert.Empty(t, report.Deleted)
	assert.Len(t, report.Remaining, 3)
	assert.Empty(t, deleter.Calls())
}

func TestRun_ContextCancel(t *testing.T) {
	deleter := &fakeDeleter{}
	c := NewController(deleter, WithGraceInterval(time.Hour), WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	run := c.Start(ctx, forks(2))
	cancel()
	report := waitReport(t, run)

	assert.Equal(t, StateCancelled, report.State)
	assert.Len(t, report.Remaining, 2)
	assert.Empty(t, deleter.Calls())
}

func TestRun_FailureDoesNotHaltBatch(t *testing.T) {
	deleter := &fakeDeleter{failing: map[string]error{
		"fork-0": apperrors.NewUpstreamError("delete octocat/fork-0: not found", apperrors.ReasonNotFound, nil),
	}}
	c := NewController(deleter, WithGraceInterval(0), WithLogger(logging.Discard()))

	report := waitReport(t, c.Start(context.Background(), forks(2)))

	assert.Equal(t, StateCompleted, report.State)
	require.Len(t, report.Deleted, 2)
	assert.Equal(t, domain.OutcomeFailed, report.Deleted[0].Status)
	assert.Contains(t, report.Deleted[0].Error, "not found")
	assert.True(t, report.Deleted[1].Succeeded())
	assert.Len(t, report.Failed(), 1)
	assert.Len(t, report.Succeeded(), 1)
	assert.Equal(t, []string{"octocat/fork-0", "octocat/fork-1"}, deleter.Calls())
}

func TestEmptySelectionCompletesImmediately(t *testing.T) {
	deleter := &fakeDeleter{}
	c := NewController(deleter, WithGraceInterval(time.Hour), WithLogger(logging.Discard()))

	run := c.Start(context.Background(), nil)
	report := waitReport(t, run)

	assert.Equal(t, StateCompleted, report.State)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, 1.0, run.Snapshot().Progress)
	assert.Empty(t, deleter.Calls())
}

func TestInFlightDeleteIsNotAborted(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	// Once sent, the request ignores ctx and completes.
	deleter := DeleterFunc(func(ctx context.Context, owner, name string) error {
		if name == "fork-0" {
			close(started)
			<-release
		}
		return nil
	})
	c := NewController(deleter, WithGraceInterval(0), WithLogger(logging.Discard()))

	run := c.Start(context.Background(), forks(2))
	<-started
	run.Cancel()
	close(release)
	report := waitReport(t, run)

	assert.Equal(t, StateCancelled, report.State)
	require.Len(t, report.Deleted, 1)
	assert.True(t, report.Deleted[0].Succeeded())
	assert.Equal(t, []string{"octocat/fork-1"}, fullNames(report.Remaining))
}

func TestCancelBeforeRequestIsSent(t *testing.T) {
	waiting := make(chan struct{})
	var calls atomic.Int32

	// Holds the call back until ctx ends, like a rate limiter waiting for a reset.
	deleter := DeleterFunc(func(ctx context.Context, owner, name string) error {
		if calls.Add(1) == 1 {
			close(waiting)
		}
		<-ctx.Done()
		return fmt.Errorf("delete %s/%s not sent: %w", owner, name, ctx.Err())
	})
	c := NewController(deleter, WithGraceInterval(0), WithLogger(logging.Discard()))

	run := c.Start(context.Background(), forks(2))
	<-waiting
	run.Cancel()
	report := waitReport(t, run)

	assert.Equal(t, StateCancelled, report.State)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, fullNames(forks(2)), fullNames(report.Remaining))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, run.Snapshot().Visited)
}

func TestCancelDuringRateLimitWaitSendsNothing(t *testing.T) {
	var deletes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	logger := logging.Discard()
	limiter := gateway.NewRateLimiterWithDelay(0, logger)
	limiter.UpdateLimit(5, time.Now().Add(1500*time.Millisecond))
	g := gateway.New("u-1", gateway.StaticToken("t"),
		gateway.WithBaseURL(server.URL),
		gateway.WithLogger(logger),
		gateway.WithRateLimiter(limiter),
	)
	c := NewController(g, WithGraceInterval(0), WithLogger(logger))

	run := c.Start(context.Background(), forks(2))
	time.Sleep(100 * time.Millisecond)
	run.Cancel()
	report := waitReport(t, run)

	// Give a leaked request time to reach the server
	time.Sleep(1600 * time.Millisecond)

	assert.Equal(t, StateCancelled, report.State)
	assert.Empty(t, report.Deleted)
	assert.Len(t, report.Remaining, 2)
	assert.Zero(t, deletes.Load())
}

func TestSelectionIsSnapshotted(t *testing.T) {
	deleter := &fakeDeleter{}
	c := NewController(deleter, WithGraceInterval(20*time.Millisecond), WithLogger(logging.Discard()))

	selection := forks(2)
	selection = append(selection, selection[0]) // duplicate id is dropped
	run := c.Start(context.Background(), selection)

	selection[0].Name = "mutated"
	selection[1] = domain.Repository{ID: "other", Name: "other", Owner: "octocat"}

	report := waitReport(t, run)
	assert.Equal(t, []string{"octocat/fork-0", "octocat/fork-1"}, deleter.Calls())
	assert.Len(t, report.Deleted, 2)
}

func TestSubscribe(t *testing.T) {
	release := make(chan struct{})
	deleter := DeleterFunc(func(ctx context.Context, owner, name string) error {
		<-release
		return nil
	})
	c := NewController(deleter, WithGraceInterval(0), WithLogger(logging.Discard()))

	run := c.Start(context.Background(), forks(3))
	updates := run.Subscribe()
	close(release)

	var visited []int
	var last Snapshot
	for snap := range updates {
		visited = append(visited, snap.Visited)
		last = snap
	}

	for i := 1; i < len(visited); i++ {
		assert.GreaterOrEqual(t, visited[i], visited[i-1])
	}
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, 3, last.Visited)
	assert.Empty(t, last.Remaining)

	// A subscriber arriving after the end gets the final snapshot and a closed channel
	late := run.Subscribe()
	snap, ok := <-late
	require.True(t, ok)
	assert.Equal(t, StateCompleted, snap.State)
	_, ok = <-late
	assert.False(t, ok)
}

func TestCompletionHandlerCalledOnce(t *testing.T) {
	var mu sync.Mutex
	var reports []Report
	c := NewController(&fakeDeleter{},
		WithGraceInterval(0),
		WithLogger(logging.Discard()),
		WithCompletionHandler(func(r Report) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, r)
		}),
	)

	run := c.Start(context.Background(), forks(2))
	first := waitReport(t, run)
	second := waitReport(t, run)
	run.Cancel()

	assert.Equal(t, first, second)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, first.ID, reports[0].ID)
}

func TestReportBatch(t *testing.T) {
	report := Report{
		ID:    "b-1",
		State: StateCancelled,
		Deleted: []domain.Outcome{
			{Repository: domain.Repository{ID: "1"}, Status: domain.OutcomeSucceeded},
			{Repository: domain.Repository{ID: "2"}, Status: domain.OutcomeFailed, Error: "forbidden"},
		},
		Remaining: []domain.Repository{{ID: "3"}},
	}

	batch := report.Batch("u-1")
	assert.Equal(t, "u-1", batch.UserID)
	assert.Equal(t, "cancelled", batch.State)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Len(t, batch.Items, 2)
}

func TestSnapshotPercent(t *testing.T) {
	assert.Equal(t, 0, Snapshot{Progress: 0}.Percent())
	assert.Equal(t, 33, Snapshot{Progress: 1.0 / 3}.Percent())
	assert.Equal(t, 66, Snapshot{Progress: 2.0 / 3}.Percent())
	assert.Equal(t, 100, Snapshot{Progress: 1}.Percent())
}

func TestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("deletes in selection order and visits every item", prop.ForAll(
		func(n int, failMask uint8) bool {
			selection := forks(n)
			failing := map[string]error{}
			for i := 0; i < n && i < 8; i++ {
				if failMask&(1<<i) != 0 {
					failing[selection[i].Name] = apperrors.NewUpstreamError("boom", apperrors.ReasonUnavailable, nil)
				}
			}
			deleter := &fakeDeleter{failing: failing}
			c := NewController(deleter, WithGraceInterval(0), WithLogger(logging.Discard()))

			report, err := c.Start(context.Background(), selection).Wait(context.Background())
			if err != nil || report.State != StateCompleted || len(report.Remaining) != 0 {
				return false
			}
			if len(report.Failed()) != len(failing) {
				return false
			}
			return equal(deleter.Calls(), fullNames(selection)) &&
				equal(outcomeNames(report.Deleted), fullNames(selection))
		},
		gen.IntRange(0, 8),
		gen.UInt8(),
	))

	properties.Property("cancelling after k visits leaves n-k remaining", prop.ForAll(
		func(k, extra int) bool {
			n := k + 1 + extra
			selection := forks(n)
			deleter := &fakeDeleter{}

			var run *Run
			ready := make(chan struct{})
			grace := time.Duration(0)
			if k == 0 {
				grace = time.Hour
			}
			c := NewController(deleter,
				WithGraceInterval(grace),
				WithLogger(logging.Discard()),
				WithObserver(func(s Snapshot) {
					<-ready
					if s.Visited == k {
						run.Cancel()
					}
				}),
			)

			run = c.Start(context.Background(), selection)
			close(ready)
			if k == 0 {
				run.Cancel()
			}

			report, err := run.Wait(context.Background())
			if err != nil || report.State != StateCancelled {
				return false
			}
			return len(report.Deleted) == k &&
				len(report.Remaining) == n-k &&
				equal(outcomeNames(report.Deleted), fullNames(selection[:k])) &&
				equal(deleter.Calls(), fullNames(selection[:k]))
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
