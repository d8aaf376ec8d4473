// Package convergence runs node plans and reports what changed. The
// executor owns the check/apply discipline every step follows: check
// first, skip when the state already holds, otherwise apply, and halt
// the node's plan on the first failure while other nodes keep going.
package convergence

import (
	"context"
	"errors"
	"time"

	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/shared"
)

const (
	defaultStepTimeout = 10 * time.Minute

	// maxOutputBytes bounds captured diagnostics per result.
	maxOutputBytes = 8 << 10
)

// Executor runs plans. The zero value is usable.
type Executor struct {
	// DryRun reports WouldApply instead of mutating anything.
	DryRun bool

	// StepTimeout bounds each check, apply and prevalidation.
	StepTimeout time.Duration

	// AfterMasters runs between the master phase and the rest of the
	// fleet, once, when both phases are non-empty. Fleet runs use it
	// to make sure a join credential exists before workers need one.
	AfterMasters func(ctx context.Context) error
}

func (e *Executor) stepTimeout() time.Duration {
	if e.StepTimeout > 0 {
		return e.StepTimeout
	}

	return defaultStepTimeout
}

// Execute runs one node's plan in order. Prevalidations run first; a
// rejection produces that step's single Failed result and nothing
// else runs on the node. Cancelling ctx stops scheduling new steps
// but lets an in-flight apply finish, so a node is never abandoned
// mid-mutation.
func (e *Executor) Execute(ctx context.Context, p *step.Plan) []ExecutionResult {
	node := p.Target.Node.Hostname

	for _, s := range p.Steps {
		pv, ok := s.(step.Prevalidator)
		if !ok {
			continue
		}

		started := time.Now()
		vctx, cancel := context.WithTimeout(ctx, e.stepTimeout())
		err := pv.Prevalidate(vctx, &p.Target)
		cancel()

		if err != nil {
			shared.LogLevel("error", "prevalidation of %s failed on %s: %v", s.ID(), node, err)

			return []ExecutionResult{failedResult(s.ID(), node, started, err)}
		}
	}

	results := make([]ExecutionResult, 0, len(p.Steps))

	for _, s := range p.Steps {
		if ctx.Err() != nil {
			shared.LogLevel("warn", "run cancelled, not starting %s on %s", s.ID(), node)

			break
		}

		res := e.runStep(ctx, &p.Target, s)
		results = append(results, res)

		if res.Failed() {
			shared.LogLevel("error", "%s failed on %s (%s), halting this node", s.ID(), node, res.Kind)

			break
		}
	}

	return results
}

func (e *Executor) runStep(ctx context.Context, t *step.Target, s step.Step) ExecutionResult {
	node := t.Node.Hostname
	started := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, e.stepTimeout())
	satisfied, err := s.Check(checkCtx, t)
	cancel()

	if err != nil {
		return failedResult(s.ID(), node, started, err)
	}

	if satisfied {
		shared.LogLevel("info", "%s already converged on %s", s.ID(), node)

		return ExecutionResult{
			StepID:          s.ID(),
			Node:            node,
			Status:          StatusSkipped,
			StartedAt:       started.UTC(),
			DurationSeconds: time.Since(started).Seconds(),
		}
	}

	if e.DryRun {
		shared.LogLevel("info", "%s would apply on %s", s.ID(), node)

		return ExecutionResult{
			StepID:          s.ID(),
			Node:            node,
			Status:          StatusWouldApply,
			StartedAt:       started.UTC(),
			DurationSeconds: time.Since(started).Seconds(),
		}
	}

	shared.LogLevel("info", "applying %s on %s", s.ID(), node)

	// The apply context is bounded but detached from the run's
	// cancellation: a cancel stops future steps, not this one.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stepTimeout())
	err = s.Apply(applyCtx, t)
	cancel()

	if err != nil {
		return failedResult(s.ID(), node, started, err)
	}

	return ExecutionResult{
		StepID:          s.ID(),
		Node:            node,
		Status:          StatusApplied,
		StartedAt:       started.UTC(),
		DurationSeconds: time.Since(started).Seconds(),
	}
}

func failedResult(stepID, node string, started time.Time, err error) ExecutionResult {
	res := ExecutionResult{
		StepID:          stepID,
		Node:            node,
		Status:          StatusFailed,
		Kind:            Classify(err),
		Error:           cmdrunner.Redact(err.Error()),
		StartedAt:       started.UTC(),
		DurationSeconds: time.Since(started).Seconds(),
	}

	var exitErr *cmdrunner.ExitError
	if errors.As(err, &exitErr) {
		res.Output = truncate(cmdrunner.Redact(exitErr.Stderr))
	}

	return res
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}

	return s[:maxOutputBytes] + "\n... (truncated)"
}
