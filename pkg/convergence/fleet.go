package convergence

import (
	"context"
	"sync"

	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/shared"
)

type nodeResults struct {
	node    string
	results []ExecutionResult
}

// ExecuteFleet converges every plan, one goroutine per node. Steps
// within a node stay sequential; a node failing never stops the
// others. Masters run as their own phase first because the join
// credential comes out of the master's convergence; the AfterMasters
// hook then gets a chance to mint one when the masters were already
// converged.
func (e *Executor) ExecuteFleet(ctx context.Context, plans []*step.Plan) map[string][]ExecutionResult {
	var masters, others []*step.Plan
	for _, p := range plans {
		if p.Target.Node.Role == inventory.RoleMaster {
			masters = append(masters, p)
		} else {
			others = append(others, p)
		}
	}

	out := make(map[string][]ExecutionResult, len(plans))

	runPhase(ctx, e, masters, out)

	if len(others) > 0 && ctx.Err() == nil {
		if len(masters) > 0 && e.AfterMasters != nil {
			if err := e.AfterMasters(ctx); err != nil {
				// Worker plans fail individually with a precise kind;
				// the hook failing is not itself fatal to the run.
				shared.LogLevel("warn", "fleet hook failed: %v", err)
			}
		}
		runPhase(ctx, e, others, out)
	}

	return out
}

func runPhase(ctx context.Context, e *Executor, plans []*step.Plan, out map[string][]ExecutionResult) {
	if len(plans) == 0 {
		return
	}

	resChan := make(chan nodeResults, len(plans))
	var wg sync.WaitGroup

	for _, p := range plans {
		wg.Add(1)
		go func(p *step.Plan) {
			defer wg.Done()

			resChan <- nodeResults{
				node:    p.Target.Node.Hostname,
				results: e.Execute(ctx, p),
			}
		}(p)
	}

	go func() {
		wg.Wait()
		close(resChan)
	}()

	for r := range resChan {
		out[r.node] = r.results
	}
}
