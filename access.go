package redgrapes

// Properties is a user-defined value describing a task's accesses. It
// is opaque to the runtime except through the Trait that built and
// compares it.
type Properties any

// Trait is the single extension point by which property sets grow
// precedence-graph edges. A concrete Trait implementation (for example
// the read/write/atomic-add/atomic-mul policy in package ioaccess)
// reduces a pair of property sets to a boolean "must serialize"
// relation.
type Trait interface {
	// IsSerial is symmetric: it returns true iff a task with properties
	// a ordered before a task with properties b must preserve that
	// order.
	IsSerial(a, b Properties) bool

	// AssertSuperset is checked on child creation: a child's declared
	// accesses must be a subset of its parent's. It returns
	// ErrScopeViolation (optionally wrapped with context) when they are
	// not.
	AssertSuperset(super, sub Properties) error

	// Build constructs a Properties value from the arguments passed to
	// EmplaceTask. A single runtime hook stands in for the original
	// source's template-heavy, per-argument-kind property builder.
	Build(args ...any) Properties
}

// DefaultTrait is the conservative fallback trait: every pair of tasks
// must be serialized, and any child accesses are accepted (no scoping
// is enforced). It mirrors the original source's DefaultEnqueuePolicy,
// whose is_serial always returns true.
type DefaultTrait struct{}

// IsSerial always returns true: DefaultTrait serializes everything.
func (DefaultTrait) IsSerial(Properties, Properties) bool { return true }

// AssertSuperset never fails under DefaultTrait.
func (DefaultTrait) AssertSuperset(Properties, Properties) error { return nil }

// Build returns the argument list itself as an opaque Properties value.
func (DefaultTrait) Build(args ...any) Properties { return args }
