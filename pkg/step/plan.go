package step

import (
	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/inventory"
)

// Plan is the ordered step sequence for one node in one run. The
// order is exactly the registry's; nothing downstream may reorder it.
type Plan struct {
	Target Target
	Steps  []Step
}

// Build scopes the registry to the node and binds its runner.
func Build(reg *Registry, n inventory.Node, r cmdrunner.Runner) *Plan {
	return &Plan{
		Target: Target{Node: n, Runner: r},
		Steps:  reg.StepsFor(n),
	}
}

// StepIDs returns the plan's step IDs in execution order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ID())
	}

	return ids
}
