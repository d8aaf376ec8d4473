package convergence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/clusterforge/converge/pkg/step"
)

// DriftEntry records one step's check outcome on one node.
type DriftEntry struct {
	Node   string `json:"node"`
	StepID string `json:"step_id"`
	InSync bool   `json:"in_sync"`
	Error  string `json:"error,omitempty"`
}

// DriftReport is the outcome of a read-only sweep over the fleet.
type DriftReport struct {
	CheckedAt time.Time    `json:"checked_at"`
	InSync    bool         `json:"in_sync"`
	Entries   []DriftEntry `json:"entries"`
}

// Drift runs every step's check without applying anything. Check
// failures are recorded per entry and never halt the sweep, so one
// unreachable node still leaves the rest of the fleet inspected.
func (e *Executor) Drift(ctx context.Context, plans []*step.Plan) *DriftReport {
	rep := &DriftReport{
		CheckedAt: time.Now().UTC(),
		InSync:    true,
	}

	for _, p := range plans {
		for _, s := range p.Steps {
			if ctx.Err() != nil {
				return rep
			}

			entry := DriftEntry{
				Node:   p.Target.Node.Hostname,
				StepID: s.ID(),
			}

			checkCtx, cancel := context.WithTimeout(ctx, e.stepTimeout())
			done, err := s.Check(checkCtx, &p.Target)
			cancel()

			if err != nil {
				entry.Error = err.Error()
				rep.InSync = false
			} else {
				entry.InSync = done
				if !done {
					rep.InSync = false
				}
			}

			rep.Entries = append(rep.Entries, entry)
		}
	}

	return rep
}

// WriteJSON writes the drift report to w.
func (d *DriftReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(d)
}

// String renders the drift entries one per line.
func (d *DriftReport) String() string {
	var sb strings.Builder

	verdict := "drift detected"
	if d.InSync {
		verdict = "in sync"
	}
	fmt.Fprintf(&sb, "fleet %s (checked %s)\n", verdict, d.CheckedAt.Format(time.RFC3339))

	for _, e := range d.Entries {
		state := "in sync"
		switch {
		case e.Error != "":
			state = "check failed: " + e.Error
		case !e.InSync:
			state = "drifted"
		}
		fmt.Fprintf(&sb, "  %-20s %-28s %s\n", e.Node, e.StepID, state)
	}

	return sb.String()
}
