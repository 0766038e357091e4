package redgrapes

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/2lambda123/ComputationalRadiationPhysics-redGrapes/metrics"
)

// Config bundles Init's tunables. Fields left at their zero value fall
// back to the defaults noted alongside them, mirroring the teacher's
// OrchestratorConfig pattern of a plain options struct rather than a
// chain of functional-option constructors.
type Config struct {
	// Trait is the access trait used to derive precedence edges.
	// Defaults to DefaultTrait{} (every pair of tasks serializes).
	Trait Trait

	// Workers is the worker pool size. Zero defaults to
	// runtime.GOMAXPROCS(0) (hardware concurrency).
	Workers int

	// MaxConcurrentBodies caps the number of task bodies invoked at
	// once, independent of Workers. Zero means unbounded.
	MaxConcurrentBodies int64

	// Idle is called by Future.Get between checks when invoked outside
	// of any task, in place of blocking the calling thread outright.
	// Barrier does not use it (it takes its own idle argument), and
	// Yield outside a task returns ErrNotInTask without calling it.
	// Defaults to a short sleep.
	Idle func(ctx context.Context)

	// Logger receives lifecycle and fault events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics, if non-nil, receives Prometheus observations for every
	// task completion, fault, and queue-depth change.
	Metrics *metrics.Collector

	// RetryClassifier, if non-nil, is consulted whenever a task body
	// recovers from a panic. Returning true retries the task body (a
	// fresh invocation, same properties, same position in the
	// precedence graph) instead of poisoning the runtime, bounded by
	// MaxRetries per task. The default, nil classifier, still poisons
	// on the first fault.
	RetryClassifier func(fault *BodyFault) bool

	// MaxRetries bounds retries per task when RetryClassifier permits
	// one. Ignored when RetryClassifier is nil. Zero with a non-nil
	// classifier defaults to 1.
	MaxRetries int

	// RetryBackoff is the delay before the first retry of a faulted
	// task; it doubles on each subsequent retry of the same task, capped
	// at 30s. Ignored when RetryClassifier is nil. Zero with a non-nil
	// classifier defaults to 10ms.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Trait == nil {
		c.Trait = DefaultTrait{}
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Idle == nil {
		c.Idle = func(ctx context.Context) {
			t := time.NewTimer(200 * time.Microsecond)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RetryClassifier != nil && c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.RetryClassifier != nil && c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
	return c
}
