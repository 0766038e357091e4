package redgrapes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// serialIfEqual serializes any two tasks whose int properties are equal.
type serialIfEqual struct{}

func (serialIfEqual) IsSerial(a, b Properties) bool { return a.(int) == b.(int) }
func (serialIfEqual) AssertSuperset(Properties, Properties) error { return nil }
func (serialIfEqual) Build(args ...any) Properties { return args[0] }

// MockTrait lets a test assert exactly which property pairs the space
// actually consults, following the teacher's MockRegistry pattern
// (ai/agents/orchestrator/executor_dag_test.go).
type MockTrait struct {
	mock.Mock
}

func (m *MockTrait) IsSerial(a, b Properties) bool {
	args := m.Called(a, b)
	return args.Bool(0)
}

func (m *MockTrait) AssertSuperset(super, sub Properties) error {
	args := m.Called(super, sub)
	return args.Error(0)
}

func (m *MockTrait) Build(args ...any) Properties {
	called := m.Called(args)
	return called.Get(0)
}

func newTestTask(space *Space, props Properties) *Task {
	return newTask(nil, space, props, func(context.Context) {}, nil, newEvent(), newEvent())
}

func TestSpace_NextDerivesEdgesFromTrait(t *testing.T) {
	s := newSpace(0, nil, serialIfEqual{})

	t1 := newTestTask(s, 1)
	t2 := newTestTask(s, 1) // same resource: must serialize after t1
	t3 := newTestTask(s, 2) // different resource: independent

	s.Push(t1)
	s.Push(t2)
	s.Push(t3)

	got1 := s.Next()
	got2 := s.Next()
	got3 := s.Next()
	require.Same(t, t1, got1)
	require.Same(t, t2, got2)
	require.Same(t, t3, got3)

	assert.True(t, t1.pre.IsReached(), "t1 has no predecessors")
	assert.False(t, t2.pre.IsReached(), "t2 must wait on t1")
	assert.True(t, t3.pre.IsReached(), "t3 shares no resource with anyone")

	t1.post.finish()
	assert.True(t, t2.pre.IsReached(), "t2 unblocks once t1 posts")
}

func TestSpace_UpdateWeakensEdge(t *testing.T) {
	s := newSpace(0, nil, serialIfEqual{})
	t1 := newTestTask(s, 1)
	t2 := newTestTask(s, 1)
	s.Push(t1)
	s.Push(t2)
	s.Next()
	s.Next()
	require.False(t, t2.pre.IsReached())

	err := s.Update(t1, func(Properties) Properties { return 2 })
	require.NoError(t, err)

	t1.post.finish()
	assert.True(t, t2.pre.IsReached(), "patch removed the edge, so finishing t1 no longer gates t2")
}

func TestSpace_UpdateRejectsStrengthening(t *testing.T) {
	s := newSpace(0, nil, serialIfEqual{})
	t1 := newTestTask(s, 1)
	t2 := newTestTask(s, 2) // not serial with t1 under current props
	s.Push(t1)
	s.Push(t2)
	s.Next()
	s.Next()

	err := s.Update(t1, func(Properties) Properties { return 2 }) // would newly require an edge t1->t2
	assert.ErrorIs(t, err, ErrPatchStrengthening)
}

func TestSpace_RemoveDeletesVertexAndEdges(t *testing.T) {
	s := newSpace(0, nil, serialIfEqual{})
	t1 := newTestTask(s, 1)
	t2 := newTestTask(s, 1)
	s.Push(t1)
	s.Push(t2)
	s.Next()
	s.Next()

	s.Remove(t1)
	s.mu.RLock()
	_, present := s.vertices[t1.id]
	succ := s.pred[t2.id]
	s.mu.RUnlock()
	assert.False(t, present)
	assert.Empty(t, succ)
}

func TestSpace_NextConsultsTraitExactlyOncePerExistingVertex(t *testing.T) {
	tr := new(MockTrait)
	s := newSpace(0, nil, tr)

	t1 := newTestTask(s, 1)
	t2 := newTestTask(s, 2)
	s.Push(t1)
	s.Push(t2)

	require.Same(t, t1, s.Next())

	tr.On("IsSerial", 1, 2).Return(true).Once()
	require.Same(t, t2, s.Next())

	tr.AssertExpectations(t)
	assert.False(t, t2.pre.IsReached(), "mocked IsSerial=true must gate t2 on t1")
}

func TestSpace_EmptyRecursesIntoChildren(t *testing.T) {
	root := newSpace(0, nil, serialIfEqual{})
	assert.True(t, root.Empty())

	parent := newTestTask(root, 1)
	root.Push(parent)
	root.Next()
	assert.False(t, root.Empty())

	child := newSpace(1, parent, serialIfEqual{})
	root.registerChild(child)
	assert.False(t, root.Empty(), "root still holds parent's vertex")

	root.Remove(parent)
	assert.True(t, root.Empty(), "child space is itself empty")
}
