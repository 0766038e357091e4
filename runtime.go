package redgrapes

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Runtime is the library's single runtime handle: global mutable
// state is represented as a handle explicitly threaded through calls,
// never a package-level singleton. Init returns one; every other
// entry point takes either the Runtime or a context carrying the
// calling task.
type Runtime struct {
	cfg     Config
	root    *Space
	sch     *Scheduler
	pool    *WorkerPool
	traceID string

	baseCtx context.Context
	cancel  context.CancelFunc

	state atomic.Int32 // 0 = fresh, 1 = running, 2 = finalized
}

const (
	rtFresh int32 = iota
	rtRunning
	rtFinalized
)

// Init initializes the root space and starts the worker pool. Every
// call constructs a new, independent Runtime (there is no package-level
// state to collide with), so calling Init again never fails and Init
// does not return ErrAlreadyInitialized.
func Init(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	rt := &Runtime{cfg: cfg, traceID: uuid.NewString()}
	if !rt.state.CompareAndSwap(rtFresh, rtRunning) {
		return nil, ErrAlreadyInitialized
	}

	rt.baseCtx, rt.cancel = context.WithCancel(context.Background())
	rt.root = newSpace(0, nil, cfg.Trait)
	rt.sch = newScheduler(rt.root, cfg.MaxConcurrentBodies, cfg.Metrics, cfg.RetryClassifier, cfg.MaxRetries, cfg.RetryBackoff)
	rt.pool = NewWorkerPool(rt.sch, cfg.Workers, rt.baseCtx)
	rt.pool.Start()

	cfg.Logger.Info("redgrapes: runtime initialized",
		"trace_id", rt.traceID,
		"workers", cfg.Workers,
	)
	return rt, nil
}

func (rt *Runtime) ready() bool { return rt.state.Load() == rtRunning }

func (rt *Runtime) idle(ctx context.Context) { rt.cfg.Idle(ctx) }

// TraceID returns the runtime's generated trace identifier, included in
// every lifecycle log line.
func (rt *Runtime) TraceID() string { return rt.traceID }

// Barrier blocks (calling idle between scheduling ticks if non-nil)
// until the root space is empty.
func (rt *Runtime) Barrier(idle func()) error {
	if !rt.ready() {
		return ErrNotInitialized
	}
	return rt.pool.Barrier(idle)
}

// Finalize barriers, stops the pool, and releases the root space.
// Returns the first BodyFault or deadlock observed, if any.
func (rt *Runtime) Finalize() error {
	if !rt.state.CompareAndSwap(rtRunning, rtFinalized) {
		return ErrNotInitialized
	}
	err := rt.pool.Stop(nil)
	rt.cancel()

	if err != nil {
		rt.cfg.Logger.Error("redgrapes: runtime finalized with error", "trace_id", rt.traceID, "error", err)
	} else {
		rt.cfg.Logger.Info("redgrapes: runtime finalized", "trace_id", rt.traceID)
	}
	return err
}

// EmplaceTask builds properties from propArgs via the runtime's trait,
// binds body, and pushes a new task into the current space — the
// caller's task space if ctx carries a running task (making the new
// task a child), or the root space otherwise.
func EmplaceTask[T any](ctx context.Context, rt *Runtime, body func(ctx context.Context) (T, error), propArgs ...any) (*Future[T], error) {
	if !rt.ready() {
		return nil, ErrNotInitialized
	}
	trait := rt.cfg.Trait
	props := trait.Build(propArgs...)

	var space *Space
	var parent *Task
	if p, ok := taskFromContext(ctx); ok {
		if err := trait.AssertSuperset(p.props, props); err != nil {
			return nil, errors.Wrap(ErrScopeViolation, err.Error())
		}
		space = p.childSpaceOrCreate(trait)
		parent = p
	} else {
		space = rt.root
	}

	pre := newEvent()
	post := newEvent()
	task := newTask(rt, space, props, nil, parent, pre, post)
	fut := newFuture[T](rt, task)
	task.fn = func(c context.Context) {
		v, err := body(c)
		fut.deliver(v, err)
	}

	space.Push(task)
	rt.sch.DrainSpace(space)
	return fut, nil
}

// CurrentTaskID returns the id of the task running on ctx.
func CurrentTaskID(ctx context.Context) (uint64, error) {
	t, ok := taskFromContext(ctx)
	if !ok {
		return 0, ErrNotInTask
	}
	return t.id, nil
}

// Backtrace returns the running task's own properties followed by each
// ancestor's, ending at a root task.
func Backtrace(ctx context.Context) ([]Properties, error) {
	t, ok := taskFromContext(ctx)
	if !ok {
		return nil, ErrNotInTask
	}
	return backtraceFrom(t), nil
}

// ScopeDepth returns the running task's nesting depth.
func ScopeDepth(ctx context.Context) (uint32, error) {
	t, ok := taskFromContext(ctx)
	if !ok {
		return 0, ErrNotInTask
	}
	return t.scopeDepth, nil
}

// CreateEvent creates ev and registers it as an in-edge of the running
// task's post-event, so the task is not considered finished until ev
// is reached.
func CreateEvent(ctx context.Context) (*Event, error) {
	t, ok := taskFromContext(ctx)
	if !ok {
		return nil, ErrNotInTask
	}
	ev := &Event{id: nextEventID.Add(1)}
	if err := ev.AddEdge(t.post); err != nil {
		return nil, err
	}
	return ev, nil
}

// UpdateProperties applies patch to the running task's properties,
// weakening (never strengthening) its outgoing precedence edges.
func UpdateProperties(ctx context.Context, patch func(Properties) Properties) error {
	t, ok := taskFromContext(ctx)
	if !ok {
		return ErrNotInTask
	}
	return t.space.Update(t, patch)
}

// Yield suspends the running task until ev is reached, without
// blocking its worker.
func Yield(ctx context.Context, ev *Event) error {
	t, ok := taskFromContext(ctx)
	if !ok {
		return ErrNotInTask
	}
	if ev.IsReached() {
		return nil
	}
	t.yieldOn(ev)
	return nil
}
