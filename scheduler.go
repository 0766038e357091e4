package redgrapes

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2lambda123/ComputationalRadiationPhysics-redGrapes/metrics"
)

const maxRetryBackoff = 30 * time.Second

// Scheduler is a FIFO scheduler: a ready queue plus a running set,
// coupling the precedence/scheduling graphs (Space, Event) to the
// worker pool. The ready and running "queues" are mutex-guarded
// slices, a deliberately simple stand-in for any MPMC queue
// implementation satisfying the same enqueue/try-dequeue contract.
type Scheduler struct {
	root *Space
	pool *WorkerPool

	mu           sync.Mutex
	ready        []*Task
	running      map[uint64]*Task
	pendingDrain []*Task
	pendingRetry int

	fault    atomic.Pointer[BodyFault]
	deadlock atomic.Bool

	// sem bounds the number of simultaneously-running task bodies
	// independent of worker count (nil = unbounded), so a pool sized
	// for I/O-bound tasks doesn't let every worker pile onto a shared
	// downstream resource at once.
	sem *semaphore.Weighted

	metrics *metrics.Collector

	retryClassifier func(*BodyFault) bool
	maxRetries      int
	retryBackoff    time.Duration

	onDone func(*Task)
}

func newScheduler(root *Space, maxConcurrentBodies int64, mc *metrics.Collector, retryClassifier func(*BodyFault) bool, maxRetries int, retryBackoff time.Duration) *Scheduler {
	sch := &Scheduler{
		root:            root,
		running:         make(map[uint64]*Task),
		metrics:         mc,
		retryClassifier: retryClassifier,
		maxRetries:      maxRetries,
		retryBackoff:    retryBackoff,
	}
	if maxConcurrentBodies > 0 {
		sch.sem = semaphore.NewWeighted(maxConcurrentBodies)
	}
	return sch
}

func (sch *Scheduler) reportGauges() {
	if sch.metrics == nil {
		return
	}
	sch.mu.Lock()
	ready := len(sch.ready)
	active := len(sch.running)
	sch.mu.Unlock()
	sch.metrics.ReadyQueueDepth.Set(float64(ready))
	sch.metrics.ActiveWorkers.Set(float64(active))
}

func (sch *Scheduler) attachPool(p *WorkerPool) { sch.pool = p }

// Fault returns the first BodyFault observed by this scheduler, or nil.
func (sch *Scheduler) Fault() *BodyFault { return sch.fault.Load() }

// Deadlocked reports whether the scheduler gave up with incomplete
// work and nothing runnable (spec's cycle/deadlock case).
func (sch *Scheduler) Deadlocked() bool { return sch.deadlock.Load() }

func (sch *Scheduler) notifyPool() {
	if sch.pool != nil {
		sch.pool.Notify()
	}
}

// Activate is called when task.pre is reached or right after
// insertion. inActivationQueue test-and-set ensures a single
// activation attempt runs per scheduling cycle; within that attempt,
// inReadyList test-and-set ensures the task is pushed onto the ready
// queue at most once.
func (sch *Scheduler) Activate(t *Task) {
	if !t.inActivationQueue.CompareAndSwap(false, true) {
		return
	}
	if !t.pre.IsReached() {
		// Release the attempt and retry once pre fires (SetWaker calls
		// back at once if it fired in the meantime).
		t.inActivationQueue.Store(false)
		t.pre.SetWaker(func() { sch.Activate(t) })
		return
	}
	if !t.inReadyList.CompareAndSwap(false, true) {
		return
	}
	sch.mu.Lock()
	sch.ready = append(sch.ready, t)
	sch.mu.Unlock()
	sch.reportGauges()
	sch.notifyPool()
}

// consume is the worker's get-job call: try the ready queue, then
// drain pending insertions from the root space, then give up.
func (sch *Scheduler) consume(ctx context.Context) bool {
	if sch.fault.Load() != nil || sch.deadlock.Load() {
		return false
	}

	t := sch.popReady()
	if t == nil {
		sch.root.InitUntilReady(sch.Activate)
		t = sch.popReady()
	}
	if t == nil {
		sch.checkDeadlock()
		return false
	}

	t.inActivationQueue.Store(false)
	t.inReadyList.Store(false)

	sch.mu.Lock()
	sch.running[t.id] = t
	sch.mu.Unlock()
	t.setState(TaskRunning)
	sch.reportGauges()

	if sch.sem != nil {
		if err := sch.sem.Acquire(ctx, 1); err != nil {
			sch.mu.Lock()
			delete(sch.running, t.id)
			sch.mu.Unlock()
			return true
		}
		defer sch.sem.Release(1)
	}

	finished, yieldedOn, fault := t.invoke(ctx)

	if fault != nil {
		if sch.shouldRetry(t, fault) {
			attempt := t.resetForRetry()
			sch.mu.Lock()
			delete(sch.running, t.id)
			sch.mu.Unlock()
			t.setState(TaskPending)
			if sch.metrics != nil {
				sch.metrics.ObserveRetry()
			}
			sch.reportGauges()
			sch.scheduleRetry(t, attempt)
			return true
		}

		sch.mu.Lock()
		delete(sch.running, t.id)
		sch.mu.Unlock()
		t.setState(TaskFailed)
		sch.fault.CompareAndSwap(nil, fault)
		if sch.metrics != nil {
			sch.metrics.ObserveFault()
		}
		sch.reportGauges()
		sch.notifyPool()
		return true
	}

	if !finished {
		t.setState(TaskSuspended)
		if yieldedOn != nil {
			yieldedOn.SetWaker(func() { sch.Activate(t) })
		}
		return true
	}

	sch.mu.Lock()
	delete(sch.running, t.id)
	sch.mu.Unlock()

	if cs := t.childSpace.Load(); cs != nil && !cs.Empty() {
		sch.mu.Lock()
		sch.pendingDrain = append(sch.pendingDrain, t)
		sch.mu.Unlock()
		t.setState(TaskSuspended)
	} else {
		sch.completeTask(t)
		sch.retryDrain()
	}
	sch.reportGauges()
	sch.notifyPool()
	if sch.onDone != nil {
		sch.onDone(t)
	}
	return true
}

// shouldRetry reports whether a faulted task should be re-invoked from
// scratch instead of poisoning the runtime, per Config.RetryClassifier
// and Config.MaxRetries.
func (sch *Scheduler) shouldRetry(t *Task, fault *BodyFault) bool {
	if sch.retryClassifier == nil || !sch.retryClassifier(fault) {
		return false
	}
	t.mu.Lock()
	attempts := t.retryCount
	t.mu.Unlock()
	return attempts < sch.maxRetries
}

// scheduleRetry re-enqueues t after a backoff delay that doubles with
// each attempt on the same task, capped at maxRetryBackoff, mirroring
// the teacher's exponential-backoff retry loop. The delay runs on its
// own goroutine so the calling worker is free to pick up other ready
// tasks in the meantime rather than stalling on the sleep itself.
// pendingRetry keeps the task counted as outstanding work for
// checkDeadlock while it sleeps, since it is in none of ready, running,
// or pendingDrain during that window.
func (sch *Scheduler) scheduleRetry(t *Task, attempt int) {
	delay := sch.retryBackoff
	for i := 1; i < attempt && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	sch.mu.Lock()
	sch.pendingRetry++
	sch.mu.Unlock()
	go func() {
		time.Sleep(delay)
		sch.mu.Lock()
		sch.pendingRetry--
		sch.ready = append(sch.ready, t)
		sch.mu.Unlock()
		sch.reportGauges()
		sch.notifyPool()
	}()
}

func (sch *Scheduler) popReady() *Task {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if len(sch.ready) == 0 {
		return nil
	}
	t := sch.ready[0]
	sch.ready = sch.ready[1:]
	return t
}

// completeTask removes task's vertex from its owning space, once and
// for all, and fires its post-event.
func (sch *Scheduler) completeTask(t *Task) {
	t.space.Remove(t)
	t.post.finish()
	t.setState(TaskCompleted)
	if sch.metrics != nil {
		sch.metrics.ObserveTask(t.runDuration(), t.yields())
	}
}

// retryDrain re-checks every task parked on its own child space's
// barrier: a task's post-event may only reach once every one of its
// children has reached and been removed in turn.
func (sch *Scheduler) retryDrain() {
	sch.mu.Lock()
	pending := sch.pendingDrain
	sch.pendingDrain = nil
	sch.mu.Unlock()

	var stillPending []*Task
	for _, p := range pending {
		cs := p.childSpace.Load()
		if cs == nil || cs.Empty() {
			sch.completeTask(p)
		} else {
			stillPending = append(stillPending, p)
		}
	}
	if len(stillPending) > 0 {
		sch.mu.Lock()
		sch.pendingDrain = append(sch.pendingDrain, stillPending...)
		sch.mu.Unlock()
	}
}

// checkDeadlock flags a permanent deadlock once the ready queue, the
// running set, and the drain-pending set are all simultaneously empty
// while the root space still has unfinished work — the only way that
// combination arises is a cycle in the derived precedence graph.
func (sch *Scheduler) checkDeadlock() {
	sch.mu.Lock()
	idle := len(sch.ready) == 0 && len(sch.running) == 0 && len(sch.pendingDrain) == 0 && sch.pendingRetry == 0
	sch.mu.Unlock()
	if idle && !sch.root.Empty() {
		sch.deadlock.Store(true)
	}
}

// Schedule is the top-level tick: ensure the root space's insertion
// queue has been drained into the graph and wake workers.
func (sch *Scheduler) Schedule() {
	sch.root.InitUntilReady(sch.Activate)
	sch.notifyPool()
}

// DrainSpace immediately converts s's pending insertions into graph
// vertices and activates any that are ready. A nested (child) space is
// never visited by the root space's own InitUntilReady, so EmplaceTask
// calls this directly on whichever space it just pushed into.
func (sch *Scheduler) DrainSpace(s *Space) {
	s.InitUntilReady(sch.Activate)
	sch.notifyPool()
}
