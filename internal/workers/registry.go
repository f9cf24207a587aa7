// Package workers owns the per-project background loops: frame acquisition
// and inference. A process-wide Registry tracks at most one loop per
// (project, kind), guarantees idempotent starts, cooperative cancellation
// and a clean drain on shutdown.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/errors"
	"github.com/mikkohei13/quiet-observer/internal/framesource"
	"github.com/mikkohei13/quiet-observer/internal/logging"
	"github.com/mikkohei13/quiet-observer/internal/observability"
)

var (
	workersLogger   *slog.Logger
	workersLevelVar = new(slog.LevelVar)
)

func init() {
	workersLevelVar.Set(slog.LevelInfo)

	var err error
	workersLogger, _, err = logging.NewFileLogger("logs/workers.log", "workers", workersLevelVar)
	if err != nil {
		workersLogger = logging.NoopLogger("workers")
	}
}

// Kind identifies a loop type.
type Kind string

const (
	KindAcquisition Kind = "acquisition"
	KindInference   Kind = "inference"
)

// Loop states surfaced through Status. StateIdle carries a reason suffix,
// e.g. "idle: no model deployed".
const (
	StateRunning = "running"
	StateIdle    = "idle"
)

// Status reports whether a loop kind is tracked for a project and, when it
// is, what the loop is currently doing. Tracked state is independent of the
// Project entity's advisory flags.
type Status struct {
	Tracked bool   `json:"tracked"`
	State   string `json:"state,omitempty"`
}

// DetectionPublisher forwards committed detections to an external channel.
// Implementations must not block the loop for long; publish errors are
// logged and dropped.
type DetectionPublisher interface {
	PublishDetections(projectID, frameID uint, detections []datastore.Detection)
}

// Deps are the collaborators the loops run against.
type Deps struct {
	Store     datastore.Interface
	Source    framesource.Source
	Runtime   detector.Runtime
	Settings  *conf.Settings
	Metrics   *observability.Metrics
	Publisher DetectionPublisher // optional
}

type taskKey struct {
	projectID uint
	kind      Kind
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Value // string
}

func (h *handle) setState(s string) { h.state.Store(s) }

func (h *handle) currentState() string {
	if s, ok := h.state.Load().(string); ok {
		return s
	}
	return StateRunning
}

// Registry is the process-scoped worker table. Construct one at process
// start, inject it where loops are started or stopped, and drain it with
// StopAll before the process exits.
type Registry struct {
	deps Deps

	mu    sync.Mutex
	tasks map[taskKey]*handle
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:  deps,
		tasks: make(map[taskKey]*handle),
	}
}

// Start launches the loop of the given kind for a project. Idempotent: when
// a task of that kind is already tracked, Start is a no-op returning the
// existing task's status, never a duplicate loop.
//
// Starting inference additionally closes any orphaned inference session,
// opens a fresh one and clears the project's last-processed pointer so
// downstream pollers see a clean state.
func (r *Registry) Start(projectID uint, kind Kind) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := taskKey{projectID: projectID, kind: kind}
	if existing, ok := r.tasks[key]; ok {
		select {
		case <-existing.done:
			// finished on its own (e.g. project deleted); replace below
			delete(r.tasks, key)
		default:
			return Status{Tracked: true, State: existing.currentState()}, nil
		}
	}

	if _, err := r.deps.Store.GetProject(projectID); err != nil {
		return Status{}, err
	}

	var sessionID uint
	if kind == KindInference {
		closed, err := r.deps.Store.CloseOrphanSessions(projectID)
		if err != nil {
			return Status{}, err
		}
		if closed > 0 {
			workersLogger.Warn("Closed orphaned inference sessions",
				"project_id", projectID, "count", closed)
		}
		if err := r.deps.Store.ClearLastProcessed(projectID); err != nil {
			return Status{}, err
		}
		session, err := r.deps.Store.OpenInferenceSession(projectID)
		if err != nil {
			return Status{}, err
		}
		sessionID = session.ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	h.setState(StateRunning)
	r.tasks[key] = h

	go func() {
		defer close(h.done)
		switch kind {
		case KindAcquisition:
			r.runAcquisition(ctx, projectID, h)
		case KindInference:
			r.runInference(ctx, projectID, sessionID, h)
		}
	}()

	workersLogger.Info("Started worker", "project_id", projectID, "kind", kind)
	return Status{Tracked: true, State: StateRunning}, nil
}

// Stop cancels the tracked loop of the given kind and waits for it to
// finish its in-flight iteration. Stopping an untracked loop is a no-op.
// The handle stays in the table until the loop has actually finished, so a
// timed-out stop leaves the still-draining loop tracked and a concurrent
// Start cannot overlap it.
func (r *Registry) Stop(ctx context.Context, projectID uint, kind Kind) error {
	r.mu.Lock()
	key := taskKey{projectID: projectID, kind: kind}
	h, ok := r.tasks[key]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return errors.Newf("timed out waiting for %s loop of project %d", kind, projectID).
			Component("workers").
			Category(errors.CategoryWorker).
			Build()
	}

	r.mu.Lock()
	if current, tracked := r.tasks[key]; tracked && current == h {
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	workersLogger.Info("Stopped worker", "project_id", projectID, "kind", kind)
	return nil
}

// StatusFor reports the tracked state of both loop kinds for a project.
func (r *Registry) StatusFor(projectID uint) map[Kind]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[Kind]Status, 2)
	for _, kind := range []Kind{KindAcquisition, KindInference} {
		statuses[kind] = Status{}
		if h, ok := r.tasks[taskKey{projectID: projectID, kind: kind}]; ok {
			select {
			case <-h.done:
			default:
				statuses[kind] = Status{Tracked: true, State: h.currentState()}
			}
		}
	}
	return statuses
}

// IsTracked reports whether a loop of the given kind is tracked.
func (r *Registry) IsTracked(projectID uint, kind Kind) bool {
	return r.StatusFor(projectID)[kind].Tracked
}

// StopAll cancels every tracked loop and waits for all of them. Called on
// process shutdown so no task is abandoned mid-iteration.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.tasks))
	for key, h := range r.tasks {
		handles = append(handles, h)
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h.cancel()
		g.Go(func() error {
			select {
			case <-h.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// sleep waits for the given interval, returning false when the loop was
// cancelled during the wait. Cancellation is observed only here and at the
// top of each iteration, never mid-write.
func sleep(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
