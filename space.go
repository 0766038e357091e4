package redgrapes

import (
	"sync"
	"weak"
)

// Space is a task space: an ordered insertion queue plus the
// precedence sub-graph it feeds. A space owns its tasks exclusively
// for the duration of their membership in the graph and holds only
// weak back-references to its active children, so that Empty can
// recurse without extending any child's lifetime.
type Space struct {
	depth  uint32
	parent weak.Pointer[Task] // nil-valued Value() for the root space
	trait  Trait

	mu       sync.RWMutex
	queue    []*Task
	vertices map[uint64]*Task
	order    []*Task
	succ     map[uint64][]*Task
	pred     map[uint64][]*Task

	childrenMu sync.Mutex
	children   []weak.Pointer[Space]
}

func newSpace(depth uint32, parentTask *Task, trait Trait) *Space {
	s := &Space{
		depth:    depth,
		trait:    trait,
		vertices: make(map[uint64]*Task),
		succ:     make(map[uint64][]*Task),
		pred:     make(map[uint64][]*Task),
	}
	if parentTask != nil {
		s.parent = weak.Make(parentTask)
	}
	return s
}

// Depth returns the space's immutable nesting depth (root = 0).
func (s *Space) Depth() uint32 { return s.depth }

// ParentTask resolves the space's owning task, or nil for the root.
func (s *Space) ParentTask() *Task { return s.parent.Value() }

func (s *Space) registerChild(cs *Space) {
	s.childrenMu.Lock()
	s.children = append(s.children, weak.Make(cs))
	s.childrenMu.Unlock()
}

// Push appends task to the space's insertion queue in O(1); its edges
// are derived later, by Next. Push takes the same lock Next holds while
// deriving edges, so it waits for a Next already in progress.
func (s *Space) Push(t *Task) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
}

// Next pops the head of the insertion queue, inserts it as a vertex,
// and derives precedence and scheduling edges against every
// already-present vertex. It returns nil if the queue is empty. The
// returned task's pre-event has already had its construction lock
// released: if it had no predecessors among existing vertices, it is
// ready immediately.
func (s *Space) Next() *Task {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]

	for _, u := range s.order {
		if s.trait.IsSerial(u.props, t.props) {
			s.succ[u.id] = append(s.succ[u.id], t)
			s.pred[t.id] = append(s.pred[t.id], u)
		}
	}
	s.vertices[t.id] = t
	s.order = append(s.order, t)

	// Wiring happens under s.mu: each u is still a vertex, and a task's
	// post-event only fires after Remove has taken it out of the graph,
	// so no u.post can fire between being listed and being wired. t.pre
	// still holds its construction lock, so AddEdge cannot fail here.
	for _, u := range s.pred[t.id] {
		_ = u.post.AddEdge(t.pre)
	}
	s.mu.Unlock()

	t.pre.finish()
	return t
}

// Remove deletes task's vertex and incident edges, called once task's
// post-event has reached and it is ready for teardown.
func (s *Space) Remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.vertices, t.id)
	for i, o := range s.order {
		if o.id == t.id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for _, v := range s.succ[t.id] {
		s.pred[v.id] = removeTask(s.pred[v.id], t.id)
	}
	for _, u := range s.pred[t.id] {
		s.succ[u.id] = removeTask(s.succ[u.id], t.id)
	}
	delete(s.succ, t.id)
	delete(s.pred, t.id)
}

func removeTask(list []*Task, id uint64) []*Task {
	for i, t := range list {
		if t.id == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Update applies patch to task's properties, then removes any
// outgoing precedence/scheduling edge that IsSerial no longer
// requires. It refuses — returning ErrPatchStrengthening and leaving
// task unmodified — if the patch would require an edge that does not
// already exist, against ANY other vertex currently in the space, not
// only task's existing successors: a strengthening patch could in
// principle demand a brand-new edge to a vertex task was never
// connected to, and scanning only existing outgoing edges would miss
// that case and let the strengthening patch through silently.
func (s *Space) Update(t *Task, patch func(Properties) Properties) error {
	s.mu.Lock()

	newProps := patch(t.props)
	for _, v := range s.order {
		if v.id == t.id {
			continue
		}
		oldSerial := s.trait.IsSerial(t.props, v.props)
		newSerial := s.trait.IsSerial(newProps, v.props)
		if newSerial && !oldSerial {
			s.mu.Unlock()
			return ErrPatchStrengthening
		}
	}

	t.props = newProps
	succs := append([]*Task(nil), s.succ[t.id]...)
	var dropped []*Task
	var kept []*Task
	for _, v := range succs {
		if s.trait.IsSerial(t.props, v.props) {
			kept = append(kept, v)
		} else {
			dropped = append(dropped, v)
			s.pred[v.id] = removeTask(s.pred[v.id], t.id)
		}
	}
	s.succ[t.id] = kept
	s.mu.Unlock()

	for _, v := range dropped {
		t.post.RemoveEdge(v.pre)
	}
	return nil
}

// InitUntilReady repeatedly calls Next and hands each inserted task to
// activate, until the insertion queue is drained.
func (s *Space) InitUntilReady(activate func(*Task)) {
	for {
		t := s.Next()
		if t == nil {
			return
		}
		activate(t)
	}
}

// Empty reports whether the insertion queue is drained, the graph has
// no vertices, and every still-live child space is itself Empty.
func (s *Space) Empty() bool {
	s.mu.RLock()
	local := len(s.queue) == 0 && len(s.vertices) == 0
	s.mu.RUnlock()
	if !local {
		return false
	}

	s.childrenMu.Lock()
	children := append([]weak.Pointer[Space](nil), s.children...)
	s.childrenMu.Unlock()

	live := children[:0]
	allEmpty := true
	for _, c := range children {
		cs := c.Value()
		if cs == nil {
			continue
		}
		live = append(live, c)
		if !cs.Empty() {
			allEmpty = false
		}
	}
	s.childrenMu.Lock()
	s.children = live
	s.childrenMu.Unlock()

	return allEmpty
}
