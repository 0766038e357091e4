package redgrapes

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// WorkerPool is a fixed-size pool of N workers, each running "while
// running: if !consume(): park until notify". Parking uses a condition
// variable bound to a notify counter so a Notify racing ahead of Wait
// is never lost.
type WorkerPool struct {
	sch *Scheduler
	n   int
	ctx context.Context

	mu          sync.Mutex
	cond        *sync.Cond
	notifyCount uint64

	drain atomic.Bool
	wg    sync.WaitGroup

	// idleLimiter throttles the default busy-idle loop used by Barrier
	// when the caller supplies no idle callback, so a blocked caller
	// doesn't spin a core at 100% waiting on a slow-draining graph.
	idleLimiter *rate.Limiter
}

// NewWorkerPool constructs a pool of n workers driving sch. ctx is the
// base context threaded into every task invocation.
func NewWorkerPool(sch *Scheduler, n int, ctx context.Context) *WorkerPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &WorkerPool{
		sch:         sch,
		n:           n,
		ctx:         ctx,
		idleLimiter: rate.NewLimiter(rate.Every(time.Millisecond), 1),
	}
	p.cond = sync.NewCond(&p.mu)
	sch.attachPool(p)
	return p
}

// Start launches the n worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		if p.shouldExit() {
			return
		}
		if p.sch.consume(p.ctx) {
			continue
		}
		if p.shouldExit() {
			return
		}
		p.park()
	}
}

func (p *WorkerPool) shouldExit() bool {
	if p.sch.Fault() != nil || p.sch.Deadlocked() {
		return true
	}
	return p.drain.Load() && p.sch.root.Empty()
}

func (p *WorkerPool) park() {
	p.mu.Lock()
	last := p.notifyCount
	for p.notifyCount == last && !p.drain.Load() && p.sch.Fault() == nil && !p.sch.Deadlocked() {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Notify wakes any worker parked on an empty ready queue. A no-op if
// no worker is parked: the counter bump is observed on the next Wait.
func (p *WorkerPool) Notify() {
	p.mu.Lock()
	p.notifyCount++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Barrier busy-idles, calling the caller-supplied idle callback between
// scheduling ticks, until the root space is empty, a task body fault
// occurred, or a deadlock is detected. A nil idle uses a rate-limited
// default so the caller doesn't spin a core.
func (p *WorkerPool) Barrier(idle func()) error {
	for {
		if f := p.sch.Fault(); f != nil {
			return f
		}
		if p.sch.Deadlocked() {
			return errDeadlock
		}
		if p.sch.root.Empty() {
			return nil
		}
		p.sch.Schedule()
		if idle != nil {
			idle()
		} else {
			_ = p.idleLimiter.Wait(p.ctx)
		}
	}
}

// Stop barriers first, then sets the drain flag and waits for every
// worker to exit its loop — the caller that initiates shutdown waits
// for in-flight work to finish before tearing the pool down.
func (p *WorkerPool) Stop(idle func()) error {
	err := p.Barrier(idle)
	p.drain.Store(true)
	p.Notify()
	p.wg.Wait()
	return err
}
