package convergence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/converge/pkg/inventory"
)

// Summary counts results across the run.
type Summary struct {
	Applied    int `json:"applied"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	WouldApply int `json:"would_apply,omitempty"`
}

// NodeReport is one node's plan outcome, results in execution order.
type NodeReport struct {
	Hostname  string            `json:"hostname"`
	IP        string            `json:"ip"`
	Role      inventory.Role    `json:"role"`
	Converged bool              `json:"converged"`
	Results   []ExecutionResult `json:"results"`
}

// RunReport is the machine-readable record of one convergence run.
type RunReport struct {
	RunID      string       `json:"run_id"`
	Cluster    string       `json:"cluster"`
	DryRun     bool         `json:"dry_run,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Converged  bool         `json:"converged"`
	Summary    Summary      `json:"summary"`
	Nodes      []NodeReport `json:"nodes"`
}

func NewRunReport(cluster string, dryRun bool) *RunReport {
	return &RunReport{
		RunID:     uuid.NewString(),
		Cluster:   cluster,
		DryRun:    dryRun,
		StartedAt: time.Now().UTC(),
	}
}

// Add appends one node's results. Call in inventory order so failure
// selection and rendering stay deterministic.
func (r *RunReport) Add(node inventory.Node, results []ExecutionResult) {
	converged := true
	for _, res := range results {
		switch res.Status {
		case StatusApplied:
			r.Summary.Applied++
		case StatusSkipped:
			r.Summary.Skipped++
		case StatusFailed:
			r.Summary.Failed++
			converged = false
		case StatusWouldApply:
			r.Summary.WouldApply++
			converged = false
		}
	}

	r.Nodes = append(r.Nodes, NodeReport{
		Hostname:  node.Hostname,
		IP:        node.IP,
		Role:      node.Role,
		Converged: converged,
		Results:   results,
	})
}

// Finish stamps the end time and settles the run verdict.
func (r *RunReport) Finish() {
	r.FinishedAt = time.Now().UTC()
	r.Converged = r.Summary.Failed == 0 && r.Summary.WouldApply == 0
}

// FirstFailure returns the earliest Failed result, nodes in the order
// they were added and steps in execution order. Nil when nothing
// failed.
func (r *RunReport) FirstFailure() *ExecutionResult {
	for i := range r.Nodes {
		for j := range r.Nodes[i].Results {
			if r.Nodes[i].Results[j].Failed() {
				return &r.Nodes[i].Results[j]
			}
		}
	}

	return nil
}

// ExitCode maps the run outcome onto the process exit contract. Dry
// runs exit zero unless something failed.
func (r *RunReport) ExitCode() int {
	first := r.FirstFailure()
	if first == nil {
		return 0
	}

	return first.Kind.ExitCode()
}

// WriteJSON writes the report to w.
func (r *RunReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(r)
}

// Save writes the report to path, creating parent directories.
func (r *RunReport) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()

	return r.WriteJSON(f)
}

// String renders the operator-facing summary table.
func (r *RunReport) String() string {
	var sb strings.Builder

	verdict := "NOT CONVERGED"
	if r.Converged {
		verdict = "CONVERGED"
	}
	if r.DryRun {
		verdict += " (dry run)"
	}

	fmt.Fprintf(&sb, "run %s on cluster %q: %s\n", r.RunID, r.Cluster, verdict)
	fmt.Fprintf(&sb, "applied %d, skipped %d, failed %d",
		r.Summary.Applied, r.Summary.Skipped, r.Summary.Failed)
	if r.Summary.WouldApply > 0 {
		fmt.Fprintf(&sb, ", would apply %d", r.Summary.WouldApply)
	}
	sb.WriteString("\n")

	for _, n := range r.Nodes {
		fmt.Fprintf(&sb, "\n%s (%s, %s):\n", n.Hostname, n.Role, n.IP)
		if len(n.Results) == 0 {
			sb.WriteString("  no steps ran\n")

			continue
		}
		for _, res := range n.Results {
			fmt.Fprintf(&sb, "  %-28s %-10s %6.1fs", res.StepID, res.Status, res.DurationSeconds)
			if res.Failed() {
				fmt.Fprintf(&sb, "  [%s] %s", res.Kind, res.Error)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
