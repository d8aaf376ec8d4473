// Package step defines the unit of convergence work and the registry
// that fixes execution order. A step never assumes it is running on a
// fresh machine: Check decides whether the desired state already
// holds, and Apply is only invoked when it does not.
package step

import (
	"context"

	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/inventory"
)

// Target binds a step invocation to one node and the runner that
// reaches it.
type Target struct {
	Node   inventory.Node
	Runner cmdrunner.Runner
}

// Step is one idempotent convergence operation.
type Step interface {
	ID() string
	Description() string

	// AppliesTo decides membership in a node's plan.
	AppliesTo(n inventory.Node) bool

	// Check reports whether the desired state already holds. It must
	// not mutate the node.
	Check(ctx context.Context, t *Target) (bool, error)

	// Apply drives the node toward the desired state. It must be safe
	// to re-run after a partial failure.
	Apply(ctx context.Context, t *Target) error
}

// Prevalidator lets a step fail a node's whole plan before anything
// runs, for prerequisites like credentials where a mid-plan failure
// would strand the node half-converged. Must be read-only.
type Prevalidator interface {
	Prevalidate(ctx context.Context, t *Target) error
}

// Depender declares step IDs that must already be registered, and so
// ordered earlier, for this step to be registrable.
type Depender interface {
	DependsOn() []string
}

// Spec is the declarative Step implementation the catalog is built
// from.
type Spec struct {
	StepID string
	Desc   string

	// Roles a node must hold for the step to apply. Empty means every
	// role.
	Roles []inventory.Role

	// RequireTags a node must all carry for the step to apply.
	RequireTags []string

	Deps []string

	CheckFn       func(ctx context.Context, t *Target) (bool, error)
	ApplyFn       func(ctx context.Context, t *Target) error
	PrevalidateFn func(ctx context.Context, t *Target) error
}

func (s *Spec) ID() string {
	return s.StepID
}

func (s *Spec) Description() string {
	return s.Desc
}

func (s *Spec) AppliesTo(n inventory.Node) bool {
	if len(s.Roles) > 0 {
		match := false
		for _, r := range s.Roles {
			if n.Role == r {
				match = true

				break
			}
		}
		if !match {
			return false
		}
	}

	for _, tag := range s.RequireTags {
		if !n.HasTag(tag) {
			return false
		}
	}

	return true
}

func (s *Spec) Check(ctx context.Context, t *Target) (bool, error) {
	return s.CheckFn(ctx, t)
}

func (s *Spec) Apply(ctx context.Context, t *Target) error {
	return s.ApplyFn(ctx, t)
}

func (s *Spec) Prevalidate(ctx context.Context, t *Target) error {
	if s.PrevalidateFn == nil {
		return nil
	}

	return s.PrevalidateFn(ctx, t)
}

func (s *Spec) DependsOn() []string {
	return s.Deps
}
