package deletion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
)

// State is the lifecycle state of a run
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Finished reports whether s is terminal
func (s State) Finished() bool {
	return s == StateCompleted || s == StateCancelled
}

// Snapshot is the observable state of a run at one point in time
type Snapshot struct {
	ID        string              `json:"id"`
	State     State               `json:"state"`
	Remaining []domain.Repository `json:"remaining"`
	Deleted   []domain.Outcome    `json:"deleted"`
	Visited   int                 `json:"visited"`
	Total     int                 `json:"total"`
	Progress  float64             `json:"progress"`
}

// Percent returns the progress as a whole percentage, rounded down
func (s Snapshot) Percent() int {
	return int(math.Floor(s.Progress * 100))
}

// Report is delivered once when a run finishes. Deleted holds every visited
// repository in visiting order, whether or not the delete call succeeded.
type Report struct {
	ID         string              `json:"id"`
	State      State               `json:"state"`
	Deleted    []domain.Outcome    `json:"deleted"`
	Remaining  []domain.Repository `json:"remaining"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Succeeded returns the visited repositories GitHub accepted the delete for
func (r Report) Succeeded() []domain.Outcome {
	return r.filter(true)
}

// Failed returns the visited repositories whose delete call failed
func (r Report) Failed() []domain.Outcome {
	return r.filter(false)
}

func (r Report) filter(succeeded bool) []domain.Outcome {
	var out []domain.Outcome
	for _, o := range r.Deleted {
		if o.Succeeded() == succeeded {
			out = append(out, o)
		}
	}
	return out
}

// Batch converts the report into its persisted form
func (r Report) Batch(userID string) *domain.DeletionBatch {
	return &domain.DeletionBatch{
		ID:         r.ID,
		UserID:     userID,
		State:      string(r.State),
		Total:      len(r.Deleted) + len(r.Remaining),
		Succeeded:  len(r.Succeeded()),
		Failed:     len(r.Failed()),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Items:      cloneOutcomes(r.Deleted),
	}
}

// Run is the handle of one batch. Only the run's own goroutine mutates
// remaining and deleted.
type Run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	total       int
	remaining   []domain.Repository
	deleted     []domain.Outcome
	startedAt   time.Time
	finishedAt  time.Time
	subscribers []chan Snapshot
	report      Report

	done chan struct{}
}

func newRun(ctx context.Context, id string, repos []domain.Repository) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	if repos == nil {
		repos = []domain.Repository{}
	}
	return &Run{
		id:        id,
		ctx:       runCtx,
		cancel:    cancel,
		state:     StateIdle,
		total:     len(repos),
		remaining: repos,
		deleted:   make([]domain.Outcome, 0, len(repos)),
		done:      make(chan struct{}),
	}
}

// ID returns the batch id
func (r *Run) ID() string {
	return r.id
}

// Cancel asks the run to stop before the next repository. Calling it more
// than once, or after the run finished, has no effect.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the final report is available
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns the current state
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel that first yields the current snapshot and
// then one snapshot per change. The channel is closed after the terminal
// snapshot.
func (r *Run) Subscribe() <-chan Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Snapshot, r.total+2)
	ch <- r.snapshotLocked()
	if r.isDone() {
		close(ch)
		return ch
	}
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Wait blocks until the run finishes or ctx is done
func (r *Run) Wait(ctx context.Context) (Report, error) {
	select {
	case <-r.done:
		return r.Report(), nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Report returns the final report. It is the zero value until Done is closed.
func (r *Run) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

func (r *Run) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Run) snapshotLocked() Snapshot {
	visited := len(r.deleted)
	progress := 1.0
	if r.total > 0 {
		progress = float64(visited) / float64(r.total)
	}
	return Snapshot{
		ID:        r.id,
		State:     r.state,
		Remaining: domain.CloneRepositories(r.remaining),
		Deleted:   cloneOutcomes(r.deleted),
		Visited:   visited,
		Total:     r.total,
		Progress:  progress,
	}
}

// publishLocked fans snap out to subscribers. Buffers are sized for a whole
// run, so a full buffer only means a subscriber stopped reading.
func (r *Run) publishLocked(snap Snapshot) {
	for _, ch := range r.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *Run) closeSubscribersLocked() {
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
}

func cloneOutcomes(outcomes []domain.Outcome) []domain.Outcome {
	if outcomes == nil {
		return nil
	}
	out := make([]domain.Outcome, len(outcomes))
	for i, o := range outcomes {
		out[i] = o
		out[i].Repository = domain.CloneRepositories([]domain.Repository{o.Repository})[0]
	}
	return out
}
