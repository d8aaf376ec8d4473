package convergence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteTextfile drops the run outcome where a node_exporter textfile
// collector can scrape it. Written atomically by WriteToTextfile, so a
// concurrent scrape never sees a half-written file.
func WriteTextfile(path string, rep *RunReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	reg := prometheus.NewRegistry()

	timestamp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "converge_run_timestamp_seconds",
		Help: "Unix time the convergence run finished.",
	})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "converge_run_duration_seconds",
		Help: "Wall clock duration of the convergence run.",
	})
	converged := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "converge_run_converged",
		Help: "Whether the last run left the fleet converged (1) or not (0).",
	})
	steps := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "converge_steps_total",
		Help: "Step results of the last run by status.",
	}, []string{"status"})
	nodeConverged := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "converge_node_converged",
		Help: "Whether the last run left the node converged (1) or not (0).",
	}, []string{"node"})

	reg.MustRegister(timestamp, duration, converged, steps, nodeConverged)

	timestamp.Set(float64(rep.FinishedAt.Unix()))
	duration.Set(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	converged.Set(boolGauge(rep.Converged))

	steps.WithLabelValues(string(StatusApplied)).Set(float64(rep.Summary.Applied))
	steps.WithLabelValues(string(StatusSkipped)).Set(float64(rep.Summary.Skipped))
	steps.WithLabelValues(string(StatusFailed)).Set(float64(rep.Summary.Failed))
	if rep.DryRun {
		steps.WithLabelValues(string(StatusWouldApply)).Set(float64(rep.Summary.WouldApply))
	}

	for _, n := range rep.Nodes {
		nodeConverged.WithLabelValues(n.Hostname).Set(boolGauge(n.Converged))
	}

	return prometheus.WriteToTextfile(path, reg)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
