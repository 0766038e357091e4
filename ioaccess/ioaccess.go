// Package ioaccess implements a read/write/atomic-add/atomic-mul
// access policy as a concrete redgrapes.Trait.
package ioaccess

import (
	"fmt"

	"github.com/pkg/errors"

	redgrapes "github.com/2lambda123/ComputationalRadiationPhysics-redGrapes"
)

// Mode is one access mode on a single resource.
type Mode int

const (
	None Mode = iota
	Read
	Write
	AtomicAdd
	AtomicMul
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	case AtomicAdd:
		return "atomic_add"
	case AtomicMul:
		return "atomic_mul"
	default:
		return "none"
	}
}

// Access names one resource and the mode a task uses it in.
type Access struct {
	Resource any
	Mode     Mode
}

// AccessList is the redgrapes.Properties value built by Trait.Build: an
// unordered set of the resources a task touches and how.
type AccessList []Access

// Trait implements redgrapes.Trait over AccessList.
//
// The original source's StaticDependencyManager (rmngr/access/io.hpp)
// expresses compatibility as a fixed undirected graph over
// {root, read, write, aadd, amul}. Its literal edge set is keyed to a
// state-machine access model (root/sub-access refinement) that doesn't
// carry over cleanly to a flat per-resource is_serial check, so Trait
// defines per-resource compatibility directly instead of reproducing
// that graph:
//
//   - read/read is parallel-safe;
//   - same atomic op (add/add, mul/mul) on the same resource is
//     parallel-safe (order-independent accumulation);
//   - any access involving Write is serial with every other access to
//     that resource, including another Write;
//   - None (or two different atomic ops on the same resource) is
//     conservative and serializes.
//
// Two tasks are serial iff they share a resource and that resource's
// pairwise mode combination is not parallel-safe.
type Trait struct{}

// Build concatenates every Access argument into an AccessList.
func (Trait) Build(args ...any) redgrapes.Properties {
	var list AccessList
	for _, a := range args {
		switch v := a.(type) {
		case Access:
			list = append(list, v)
		case []Access:
			list = append(list, v...)
		case AccessList:
			list = append(list, v...)
		default:
			// A bare resource with no explicit mode is treated as a
			// conservative Write — callers that want anything weaker
			// must say so.
			list = append(list, Access{Resource: v, Mode: Write})
		}
	}
	return list
}

func toList(p redgrapes.Properties) AccessList {
	if p == nil {
		return nil
	}
	l, _ := p.(AccessList)
	return l
}

func parallelSafe(a, b Mode) bool {
	switch {
	case a == Read && b == Read:
		return true
	case a == AtomicAdd && b == AtomicAdd:
		return true
	case a == AtomicMul && b == AtomicMul:
		return true
	default:
		return false
	}
}

// IsSerial returns true iff a and b share a resource for which their
// modes are not parallel-safe. An empty (or non-AccessList) property
// value on either side is treated conservatively as serial with
// everything.
func (Trait) IsSerial(a, b redgrapes.Properties) bool {
	la, lb := toList(a), toList(b)
	if len(la) == 0 || len(lb) == 0 {
		return true
	}
	for _, x := range la {
		for _, y := range lb {
			if x.Resource != y.Resource {
				continue
			}
			if !parallelSafe(x.Mode, y.Mode) {
				return true
			}
		}
	}
	return false
}

// AssertSuperset requires every resource/mode pair in sub to also
// appear in super, with a mode at least as strong (Write covers Read,
// each atomic op covers only itself).
func (Trait) AssertSuperset(super, sub redgrapes.Properties) error {
	ls, lu := toList(super), toList(sub)
	for _, want := range lu {
		ok := false
		for _, have := range ls {
			if have.Resource != want.Resource {
				continue
			}
			if have.Mode == want.Mode || have.Mode == Write {
				ok = true
				break
			}
		}
		if !ok {
			return errors.Wrapf(redgrapes.ErrScopeViolation, "child accesses %s on %v not covered by parent", want.Mode, want.Resource)
		}
	}
	return nil
}

// Res builds a single Access for use as an EmplaceTask property
// argument, e.g. EmplaceTask(ctx, rt, body, ioaccess.Res(x, ioaccess.Write)).
func Res(resource any, mode Mode) Access { return Access{Resource: resource, Mode: mode} }

func (a Access) String() string { return fmt.Sprintf("%s(%v)", a.Mode, a.Resource) }
