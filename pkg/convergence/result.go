package convergence

import (
	"time"
)

// Status is the outcome of one step on one node.
type Status string

const (
	// StatusSkipped means the check found the state already held.
	StatusSkipped Status = "Skipped"

	// StatusApplied means the apply ran and succeeded.
	StatusApplied Status = "Applied"

	// StatusFailed means the check errored, the apply failed, or
	// prevalidation rejected the plan.
	StatusFailed Status = "Failed"

	// StatusWouldApply only appears in dry runs, marking steps a real
	// run would have applied.
	StatusWouldApply Status = "WouldApply"
)

// ExecutionResult records what happened to one step on one node.
type ExecutionResult struct {
	StepID string `json:"step_id"`
	Node   string `json:"node"`
	Status Status `json:"status"`

	// Kind is set on failures only.
	Kind Kind `json:"kind,omitempty"`

	// Output carries captured diagnostic output, secrets redacted.
	Output string `json:"output,omitempty"`

	Error string `json:"error,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Failed reports whether this result halts the node's plan.
func (r ExecutionResult) Failed() bool {
	return r.Status == StatusFailed
}
