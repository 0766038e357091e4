package redgrapes_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redgrapes "github.com/2lambda123/ComputationalRadiationPhysics-redGrapes"
	"github.com/2lambda123/ComputationalRadiationPhysics-redGrapes/ioaccess"
)

func newTestRuntime(t *testing.T, workers int) *redgrapes.Runtime {
	t.Helper()
	rt, err := redgrapes.Init(redgrapes.Config{Trait: ioaccess.Trait{}, Workers: workers})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Finalize() })
	return rt
}

func TestScenario_WriteWriteSerialization(t *testing.T) {
	rt := newTestRuntime(t, 2)
	ctx := context.Background()

	var mu sync.Mutex
	var log []int

	f1, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		log = append(log, 1)
		mu.Unlock()
		return struct{}{}, nil
	}, ioaccess.Res("X", ioaccess.Write))
	require.NoError(t, err)

	f2, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
		mu.Lock()
		log = append(log, 2)
		mu.Unlock()
		return struct{}{}, nil
	}, ioaccess.Res("X", ioaccess.Write))
	require.NoError(t, err)

	_, err = f1.Get(ctx)
	require.NoError(t, err)
	_, err = f2.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, log)
}

func TestScenario_ReadReadParallelism(t *testing.T) {
	rt := newTestRuntime(t, 2)
	ctx := context.Background()
	start := time.Now()

	var mu sync.Mutex
	var log []int
	record := func(id int) func(context.Context) (struct{}, error) {
		return func(context.Context) (struct{}, error) {
			mu.Lock()
			log = append(log, id)
			mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			return struct{}{}, nil
		}
	}

	f1, err := redgrapes.EmplaceTask(ctx, rt, record(1), ioaccess.Res("X", ioaccess.Read))
	require.NoError(t, err)
	f2, err := redgrapes.EmplaceTask(ctx, rt, record(2), ioaccess.Res("X", ioaccess.Read))
	require.NoError(t, err)

	_, err = f1.Get(ctx)
	require.NoError(t, err)
	_, err = f2.Get(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.ElementsMatch(t, []int{1, 2}, log)
}

// Parent completes only after its child does.
func TestScenario_ChildScope(t *testing.T) {
	rt := newTestRuntime(t, 2)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string

	parent, err := redgrapes.EmplaceTask(ctx, rt, func(ctx context.Context) (struct{}, error) {
		child, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, "child")
			mu.Unlock()
			return struct{}{}, nil
		}, ioaccess.Res("X", ioaccess.Read))
		if err != nil {
			return struct{}{}, err
		}
		if _, err := child.Get(ctx); err != nil {
			return struct{}{}, err
		}
		mu.Lock()
		order = append(order, "parent")
		mu.Unlock()
		return struct{}{}, nil
	}, ioaccess.Res("X", ioaccess.Write))
	require.NoError(t, err)

	_, err = parent.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"child", "parent"}, order)
}

func TestScenario_YieldOnEvent(t *testing.T) {
	rt := newTestRuntime(t, 2)
	ctx := context.Background()
	evCh := make(chan *redgrapes.Event, 1)
	var resumed atomic.Bool
	var depthAfterResume int

	f1, err := redgrapes.EmplaceTask(ctx, rt, func(ctx context.Context) (struct{}, error) {
		ev, err := redgrapes.CreateEvent(ctx)
		if err != nil {
			return struct{}{}, err
		}
		evCh <- ev
		if err := redgrapes.Yield(ctx, ev); err != nil {
			return struct{}{}, err
		}
		resumed.Store(true)
		bt, err := redgrapes.Backtrace(ctx)
		if err != nil {
			return struct{}{}, err
		}
		depthAfterResume = len(bt)
		return struct{}{}, nil
	}, ioaccess.Res("event-waiter", ioaccess.Write))
	require.NoError(t, err)

	f2, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
		redgrapes.Reach(<-evCh)
		return struct{}{}, nil
	}, ioaccess.Res("event-reacher", ioaccess.Write))
	require.NoError(t, err)

	_, err = f1.Get(ctx)
	require.NoError(t, err)
	_, err = f2.Get(ctx)
	require.NoError(t, err)

	assert.True(t, resumed.Load())
	assert.Equal(t, 1, depthAfterResume)
}

// A property patch lets a successor start before the patcher finishes.
func TestScenario_PropertyPatch(t *testing.T) {
	rt := newTestRuntime(t, 2)
	ctx := context.Background()
	var t2Started atomic.Bool
	var t2StartedBeforeT1Finished atomic.Bool

	f1, err := redgrapes.EmplaceTask(ctx, rt, func(ctx context.Context) (struct{}, error) {
		err := redgrapes.UpdateProperties(ctx, func(redgrapes.Properties) redgrapes.Properties {
			return ioaccess.AccessList{ioaccess.Res("X", ioaccess.Read)}
		})
		if err != nil {
			return struct{}{}, err
		}
		time.Sleep(50 * time.Millisecond)
		if t2Started.Load() {
			t2StartedBeforeT1Finished.Store(true)
		}
		return struct{}{}, nil
	}, ioaccess.Res("X", ioaccess.Write))
	require.NoError(t, err)

	f2, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
		t2Started.Store(true)
		return struct{}{}, nil
	}, ioaccess.Res("X", ioaccess.Read))
	require.NoError(t, err)

	_, err = f1.Get(ctx)
	require.NoError(t, err)
	_, err = f2.Get(ctx)
	require.NoError(t, err)

	assert.True(t, t2StartedBeforeT1Finished.Load())
}

// Barrier over 1,000 independent tasks.
func TestScenario_Barrier(t *testing.T) {
	rt := newTestRuntime(t, 0)
	ctx := context.Background()
	var counter atomic.Int64

	for i := 0; i < 1000; i++ {
		i := i
		_, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
			counter.Add(1)
			return struct{}{}, nil
		}, ioaccess.Res(i, ioaccess.Write))
		require.NoError(t, err)
	}

	require.NoError(t, rt.Barrier(nil))
	assert.Equal(t, int64(1000), counter.Load())
}

func TestScenario_ScopeViolationRejected(t *testing.T) {
	rt := newTestRuntime(t, 1)
	ctx := context.Background()

	parent, err := redgrapes.EmplaceTask(ctx, rt, func(ctx context.Context) (error, error) {
		_, childErr := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
			return struct{}{}, nil
		}, ioaccess.Res("Y", ioaccess.Write))
		return childErr, nil
	}, ioaccess.Res("X", ioaccess.Read))
	require.NoError(t, err)

	childErr, err := parent.Get(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, childErr, redgrapes.ErrScopeViolation)
}

// A transient BodyFault is retried instead of poisoning the whole
// runtime.
func TestScenario_TransientFaultIsRetried(t *testing.T) {
	rt, err := redgrapes.Init(redgrapes.Config{
		Trait:   ioaccess.Trait{},
		Workers: 2,
		RetryClassifier: func(*redgrapes.BodyFault) bool {
			return true
		},
		MaxRetries: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Finalize() })

	ctx := context.Background()
	var attempts atomic.Int64

	f, err := redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
		if attempts.Add(1) < 3 {
			panic("transient failure")
		}
		return struct{}{}, nil
	}, ioaccess.Res("retry", ioaccess.Write))
	require.NoError(t, err)

	_, err = f.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts.Load())
	assert.Nil(t, rt.Barrier(nil))
}

// A fault that exhausts MaxRetries still poisons the runtime.
func TestScenario_RetriesExhaustedStillPoisons(t *testing.T) {
	rt, err := redgrapes.Init(redgrapes.Config{
		Trait:   ioaccess.Trait{},
		Workers: 1,
		RetryClassifier: func(*redgrapes.BodyFault) bool {
			return true
		},
		MaxRetries: 2,
	})
	require.NoError(t, err)

	ctx := context.Background()
	var attempts atomic.Int64

	_, err = redgrapes.EmplaceTask(ctx, rt, func(context.Context) (struct{}, error) {
		attempts.Add(1)
		panic("always fails")
	}, ioaccess.Res("retry-exhaust", ioaccess.Write))
	require.NoError(t, err)

	finalErr := rt.Finalize()
	require.Error(t, finalErr)
	var fault *redgrapes.BodyFault
	assert.ErrorAs(t, finalErr, &fault)
	assert.Equal(t, int64(3), attempts.Load(), "initial attempt plus 2 retries")
}

func TestCurrentTaskID_OutsideTaskReturnsError(t *testing.T) {
	_, err := redgrapes.CurrentTaskID(context.Background())
	assert.ErrorIs(t, err, redgrapes.ErrNotInTask)
}
