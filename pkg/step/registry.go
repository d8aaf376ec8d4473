package step

import (
	"errors"
	"fmt"

	"github.com/clusterforge/converge/pkg/inventory"
)

var (
	ErrDuplicateStepID   = errors.New("duplicate step id")
	ErrUnknownDependency = errors.New("dependency not registered")
)

// Registry holds the step catalog. Registration order is execution
// order: plans never reorder, so a step's dependencies must be
// registered before it.
type Registry struct {
	steps []Step
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register appends s to the catalog. It fails on an empty or duplicate
// ID and on dependencies that are not yet registered.
func (r *Registry) Register(s Step) error {
	id := s.ID()
	if id == "" {
		return errors.New("step has no id")
	}
	if _, ok := r.index[id]; ok {
		return fmt.Errorf("step %q: %w", id, ErrDuplicateStepID)
	}

	if dep, ok := s.(Depender); ok {
		for _, need := range dep.DependsOn() {
			if _, found := r.index[need]; !found {
				return fmt.Errorf("step %q needs %q: %w", id, need, ErrUnknownDependency)
			}
		}
	}

	r.index[id] = len(r.steps)
	r.steps = append(r.steps, s)

	return nil
}

// Steps returns the catalog in registration order.
func (r *Registry) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// StepsFor filters the catalog down to the steps that apply to n,
// preserving registration order.
func (r *Registry) StepsFor(n inventory.Node) []Step {
	var out []Step
	for _, s := range r.steps {
		if s.AppliesTo(n) {
			out = append(out, s)
		}
	}

	return out
}

// Lookup returns the registered step with the given id.
func (r *Registry) Lookup(id string) (Step, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}

	return r.steps[i], true
}

func (r *Registry) Len() int {
	return len(r.steps)
}
