package redgrapes

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matched with errors.Is.
var (
	// ErrScopeViolation is raised synchronously at EmplaceTask when a
	// child task's declared accesses are not a subset of its parent's.
	ErrScopeViolation = errors.New("redgrapes: child task accesses are not contained in parent's")

	// ErrPatchStrengthening is raised synchronously from the calling
	// task when UpdateProperties would add a precedence edge instead of
	// removing one.
	ErrPatchStrengthening = errors.New("redgrapes: patch would strengthen constraints")

	// ErrLateDependency indicates a wiring race: an edge was added to an
	// already-reached event. Treated as fatal.
	ErrLateDependency = errors.New("redgrapes: edge added to an already-reached event")

	// ErrNotInTask is returned by introspection calls made outside any
	// running task.
	ErrNotInTask = errors.New("redgrapes: no task is running on this context")

	// ErrAlreadyInitialized names the lifecycle-misuse kind of a second
	// initialization. Init builds a fresh Runtime on every call, so no
	// call in this package returns it.
	ErrAlreadyInitialized = errors.New("redgrapes: runtime already initialized")

	// ErrNotInitialized is returned when the runtime is used before Init
	// or after Finalize.
	ErrNotInitialized = errors.New("redgrapes: runtime not initialized")

	// errDeadlock is returned by Finalize/Barrier when the scheduler
	// finds no activity but incomplete tasks remain.
	errDeadlock = errors.New("redgrapes: cycle detected or deadlock: ready queue and running set both empty with incomplete tasks")
)

// BodyFault wraps a panic recovered from a task body. Policy: the
// scheduler records the first fault and every worker exits its loop
// once it observes one, so no further successor tasks are started;
// Finalize surfaces this error. A panicking task poisons the whole
// runtime rather than being isolated, since a successor waiting on its
// post-event would otherwise deadlock forever.
type BodyFault struct {
	TaskID uint64
	Panic  any
}

func (f *BodyFault) Error() string {
	return fmt.Sprintf("redgrapes: task %d body fault: %v", f.TaskID, f.Panic)
}

// Is reports whether target is the sentinel used to classify any
// BodyFault via errors.Is(err, redgrapes.ErrBodyFault).
func (f *BodyFault) Is(target error) bool {
	return target == ErrBodyFault
}

// ErrBodyFault classifies any *BodyFault via errors.Is.
var ErrBodyFault = errors.New("redgrapes: task body fault")
