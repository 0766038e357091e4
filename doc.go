// Package redgrapes is an in-process, embeddable task-graph runtime.
//
// Callers submit callable units of work together with a set of
// declarative access properties; the runtime derives the dependencies
// implied by those properties, schedules tasks across a fixed pool of
// worker goroutines respecting the induced partial order, and lets a
// running task spawn further (child) tasks that form nested sub-graphs.
// Tasks may suspend on an event without blocking their worker,
// resuming only once the event is reached.
package redgrapes
