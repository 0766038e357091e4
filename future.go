package redgrapes

import (
	"context"
	"sync/atomic"
)

// Future is the user-facing handle returned by EmplaceTask. It is
// deliberately thin: the scheduling and value-transport plumbing both
// already exist (the task's post-event, and a single atomic
// write-once slot), so Future.Get is a cooperative wait, not a new
// synchronization primitive.
type Future[T any] struct {
	rt   *Runtime
	task *Task

	result atomic.Pointer[futureResult[T]]
}

type futureResult[T any] struct {
	val T
	err error
}

func newFuture[T any](rt *Runtime, task *Task) *Future[T] {
	return &Future[T]{rt: rt, task: task}
}

func (f *Future[T]) deliver(v T, err error) {
	f.result.Store(&futureResult[T]{val: v, err: err})
}

// TaskID returns the id of the task backing this future.
func (f *Future[T]) TaskID() uint64 { return f.task.id }

// Get blocks until the backing task's post-event is reached. Called
// from inside another task, it yields instead of blocking the worker;
// called from outside any task, it falls back to the runtime's idle
// callback between checks so the calling goroutine doesn't busy-spin.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	for !f.task.post.IsReached() {
		if _, ok := taskFromContext(ctx); ok {
			_ = Yield(ctx, f.task.post)
		} else {
			f.rt.idle(ctx)
		}
	}
	res := f.result.Load()
	if res == nil {
		var zero T
		return zero, ErrNotInitialized
	}
	return res.val, res.err
}
