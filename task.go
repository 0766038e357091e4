package redgrapes

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// TaskState is an observability-only classification of a task's
// lifecycle, read through Task.State, modeled on the teacher's
// orchestrator.TaskStatus (ai/agents/orchestrator/types.go). It does
// not participate in scheduling decisions — those are driven entirely
// by the pre/post Event graph and the activation flags below.
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSuspended
	TaskCompleted
	TaskFailed
	TaskSkipped
)

// String implements fmt.Stringer for structured logging.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

var nextTaskID atomic.Uint64

// Task is the unit of work: a callable plus its declared accesses and
// scheduling metadata.
type Task struct {
	id    uint64
	props Properties
	fn    func(ctx context.Context)

	pre  *Event
	post *Event

	// parent is a non-owning relation+lookup back-reference. The parent
	// task is owned by the space that holds it; this field never
	// extends its lifetime.
	parent    weak.Pointer[Task]
	hasParent bool

	scopeDepth uint32

	// space is the owning task space, set once at construction. It is
	// an ordinary (strong) pointer: the relationship here is ownership
	// in the other direction (space owns task), not a back-reference.
	space *Space

	// rt is the owning Runtime, threaded explicitly rather than kept in
	// any package-global, so a process can host more than one runtime
	// without the two stepping on each other's state.
	rt *Runtime

	inActivationQueue atomic.Bool
	inReadyList       atomic.Bool

	childSpace atomic.Pointer[Space]

	state atomic.Int32

	mu   sync.Mutex
	cont *continuation

	firstInvokeAt time.Time
	yieldCount    int
	retryCount    int
}

func newTask(rt *Runtime, space *Space, props Properties, fn func(ctx context.Context), parent *Task, pre, post *Event) *Task {
	t := &Task{
		id:    nextTaskID.Add(1),
		props: props,
		fn:    fn,
		pre:   pre,
		post:  post,
		space: space,
		rt:    rt,
	}
	if parent != nil {
		t.parent = weak.Make(parent)
		t.hasParent = true
		t.scopeDepth = parent.scopeDepth + 1
	}
	t.state.Store(int32(TaskPending))
	return t
}

// ID returns the task's process-wide unique, monotonically assigned id.
func (t *Task) ID() uint64 { return t.id }

// Properties returns the task's declared access properties.
func (t *Task) Properties() Properties { return t.props }

// ScopeDepth returns the task's nesting depth (root tasks are 0).
func (t *Task) ScopeDepth() uint32 { return t.scopeDepth }

// State returns the task's current observability state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) setState(s TaskState) { t.state.Store(int32(s)) }

// parentTask resolves the weak parent reference, returning nil if the
// parent is unreachable (root task, or — defensively — a reference
// whose target has somehow been collected; in practice the owning
// space keeps every live task reachable for as long as it is in the
// graph).
func (t *Task) parentTask() *Task {
	if !t.hasParent {
		return nil
	}
	return t.parent.Value()
}

// childSpaceOrCreate returns the task's child space, lazily creating it
// the first time the task spawns a child.
func (t *Task) childSpaceOrCreate(trait Trait) *Space {
	if s := t.childSpace.Load(); s != nil {
		return s
	}
	s := newSpace(t.scopeDepth+1, t, trait)
	if !t.childSpace.CompareAndSwap(nil, s) {
		return t.childSpace.Load()
	}
	t.space.registerChild(s)
	return s
}

// continuation is the stackful yield/resume handoff between a task
// body's dedicated goroutine and whichever worker goroutine calls
// invoke. Go's goroutines are themselves growable-stack coroutines, so
// the handoff is a thin channel protocol rather than a fiber/ucontext
// implementation.
type continuation struct {
	resume chan struct{}
	done   chan coroResult
}

type coroResult struct {
	finished bool
	event    *Event
	panic    any
}

// invoke runs the task body to completion or until it yields. It must
// never be called concurrently for the same task (enforced by the
// scheduler's running-set membership).
func (t *Task) invoke(ctx context.Context) (finished bool, yieldedOn *Event, fault *BodyFault) {
	t.mu.Lock()
	c := t.cont
	first := c == nil
	if first {
		c = &continuation{
			resume: make(chan struct{}),
			done:   make(chan coroResult, 1),
		}
		t.cont = c
		t.firstInvokeAt = time.Now()
	}
	t.mu.Unlock()

	if first {
		go t.run(withTask(ctx, t), c)
	} else {
		c.resume <- struct{}{}
	}

	res := <-c.done
	if res.panic != nil {
		return true, nil, &BodyFault{TaskID: t.id, Panic: res.panic}
	}
	if !res.finished {
		t.mu.Lock()
		t.yieldCount++
		t.mu.Unlock()
	}
	return res.finished, res.event, nil
}

// runDuration returns the wall-clock time since this task's first
// invoke, for observability only.
func (t *Task) runDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstInvokeAt.IsZero() {
		return 0
	}
	return time.Since(t.firstInvokeAt)
}

// yields returns how many times this task has suspended so far.
func (t *Task) yields() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.yieldCount
}

// resetForRetry discards the task's finished (faulted) continuation so
// the next invoke spawns a fresh goroutine running fn from the start,
// and records the attempt. Only valid to call once the prior
// continuation's body has returned (the faulting invoke already
// observed res.panic != nil, so the goroutine is not running).
func (t *Task) resetForRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cont = nil
	t.retryCount++
	return t.retryCount
}

func (t *Task) run(ctx context.Context, c *continuation) {
	defer func() {
		if r := recover(); r != nil {
			c.done <- coroResult{finished: true, panic: r}
		}
	}()
	t.fn(ctx)
	c.done <- coroResult{finished: true}
}

// yieldOn is called from inside the task's own goroutine (via the
// package-level Yield function) to suspend until ev is reached.
func (t *Task) yieldOn(ev *Event) {
	t.mu.Lock()
	c := t.cont
	t.mu.Unlock()
	c.done <- coroResult{finished: false, event: ev}
	<-c.resume
}

type taskCtxKey struct{}

func withTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, t)
}

func taskFromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskCtxKey{}).(*Task)
	return t, ok
}

// backtraceFrom walks parent links from t to the root, returning the
// properties of each task from t to the root inclusive.
func backtraceFrom(t *Task) []Properties {
	var bt []Properties
	for cur := t; cur != nil; cur = cur.parentTask() {
		bt = append(bt, cur.props)
	}
	return bt
}
