package redgrapes

import (
	"sync"
	"sync/atomic"
)

var nextEventID atomic.Uint64

// Event is a one-shot boolean "reached" flag with an induced partial
// order: it fires once every in-edge has fired, and firing it fires
// every out-edge in turn. An Event made by newEvent (a task's pre- and
// post-event) is created already holding one extra "construction lock"
// in-edge so it cannot fire while its owner is still wiring
// predecessors; the owner removes that lock with finish (the original
// source's finish_event). Events made by CreateEvent start without one
// and are fired with Reach.
type Event struct {
	id uint64

	mu        sync.Mutex
	reached   bool
	remaining int64
	out       []*Event
	waker     func()
}

func newEvent() *Event {
	return &Event{id: nextEventID.Add(1), remaining: 1}
}

// ID returns a process-wide unique id, used only for logging/backtrace.
func (e *Event) ID() uint64 { return e.id }

// IsReached reports whether the event has fired.
func (e *Event) IsReached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reached
}

// SetWaker registers a callback invoked exactly once, right after the
// event fires. It replaces any previously registered waker. Intended
// for a scheduler to re-poll its ready queue; the callback runs
// outside of e's lock so it may safely touch other events.
func (e *Event) SetWaker(fn func()) {
	e.mu.Lock()
	already := e.reached
	e.waker = fn
	e.mu.Unlock()
	if already && fn != nil {
		fn()
	}
}

// AddEdge makes dst depend on e: dst will not fire until e does, among
// its other predecessors. Returns ErrLateDependency if dst has already
// fired, since the edge could never be honored.
func (e *Event) AddEdge(dst *Event) error {
	dst.mu.Lock()
	if dst.reached {
		dst.mu.Unlock()
		return ErrLateDependency
	}
	dst.remaining++
	dst.mu.Unlock()

	e.mu.Lock()
	e.out = append(e.out, dst)
	e.mu.Unlock()
	return nil
}

// RemoveEdge undoes a not-yet-fired edge e->dst, used when a property
// patch weakens a task's declared accesses. It is only valid to call
// while e has not yet fired. If removing the edge leaves dst with no
// remaining predecessors, dst fires.
func (e *Event) RemoveEdge(dst *Event) {
	e.mu.Lock()
	for i, o := range e.out {
		if o == dst {
			e.out = append(e.out[:i], e.out[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	dst.mu.Lock()
	if dst.reached {
		dst.mu.Unlock()
		return
	}
	dst.remaining--
	fire := dst.remaining == 0
	dst.mu.Unlock()
	if fire {
		dst.propagate()
	}
}

// Reach unconditionally marks ev reached and cascades through its
// out-edges. It is the public entry point for one task to wake another
// parked on an event it created directly with CreateEvent, rather than
// one wired in automatically through precedence edges: unlike finish,
// it does not require ev's own in-edge count to be zero first, since an
// event created via CreateEvent starts with none.
func Reach(ev *Event) { ev.propagate() }

// finish removes e's own construction lock. If that was the last
// remaining predecessor, e fires immediately.
func (e *Event) finish() {
	e.mu.Lock()
	e.remaining--
	fire := e.remaining == 0
	e.mu.Unlock()
	if fire {
		e.propagate()
	}
}

// hasPredecessors reports whether e still has at least one unfired
// in-edge (including its own, not-yet-removed construction lock).
func (e *Event) hasPredecessors() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.reached && e.remaining > 0
}

// propagate fires e and, transitively, every downstream event whose
// last predecessor was e. Iterative with an explicit stack so a long
// dependency chain cannot blow the goroutine's stack through recursion.
func (e *Event) propagate() {
	stack := []*Event{e}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cur.mu.Lock()
		if cur.reached {
			cur.mu.Unlock()
			continue
		}
		cur.reached = true
		out := cur.out
		cur.out = nil
		waker := cur.waker
		cur.waker = nil
		cur.mu.Unlock()

		if waker != nil {
			waker()
		}

		for _, nxt := range out {
			nxt.mu.Lock()
			nxt.remaining--
			ready := nxt.remaining == 0 && !nxt.reached
			nxt.mu.Unlock()
			if ready {
				stack = append(stack, nxt)
			}
		}
	}
}
