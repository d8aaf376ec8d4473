package convergence

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/converge/pkg/inventory"
)

func sampleReport() *RunReport {
	rep := NewRunReport("homelab", false)

	rep.Add(inventory.Node{Hostname: "cp-1", IP: "10.0.0.1", Role: inventory.RoleMaster}, []ExecutionResult{
		{StepID: "install-deps", Node: "cp-1", Status: StatusSkipped, StartedAt: time.Now().UTC()},
		{StepID: "init-cluster", Node: "cp-1", Status: StatusApplied, StartedAt: time.Now().UTC()},
	})
	rep.Add(inventory.Node{Hostname: "worker-1", IP: "10.0.0.2", Role: inventory.RoleWorker}, []ExecutionResult{
		{
			StepID: "join-cluster", Node: "worker-1", Status: StatusFailed,
			Kind: KindTokenExpired, Error: "join token expired",
		},
	})
	rep.Finish()

	return rep
}

func TestReportSummaryAndVerdict(t *testing.T) {
	rep := sampleReport()

	assert.Equal(t, 1, rep.Summary.Applied)
	assert.Equal(t, 1, rep.Summary.Skipped)
	assert.Equal(t, 1, rep.Summary.Failed)
	assert.False(t, rep.Converged)

	assert.True(t, rep.Nodes[0].Converged)
	assert.False(t, rep.Nodes[1].Converged)
	assert.False(t, rep.FinishedAt.IsZero())
	assert.NotEmpty(t, rep.RunID)
}

func TestReportFirstFailureAndExitCode(t *testing.T) {
	rep := sampleReport()

	first := rep.FirstFailure()
	require.NotNil(t, first)
	assert.Equal(t, "join-cluster", first.StepID)
	assert.Equal(t, 7, rep.ExitCode())

	clean := NewRunReport("homelab", false)
	clean.Add(inventory.Node{Hostname: "cp-1", Role: inventory.RoleMaster}, []ExecutionResult{
		{StepID: "install-deps", Status: StatusSkipped},
	})
	clean.Finish()

	assert.Nil(t, clean.FirstFailure())
	assert.Equal(t, 0, clean.ExitCode())
	assert.True(t, clean.Converged)
}

func TestReportJSONRoundTrip(t *testing.T) {
	rep := sampleReport()

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))

	var decoded RunReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, rep.RunID, decoded.RunID)
	assert.Equal(t, "homelab", decoded.Cluster)
	require.Len(t, decoded.Nodes, 2)
	assert.Equal(t, KindTokenExpired, decoded.Nodes[1].Results[0].Kind)
}

func TestReportSave(t *testing.T) {
	rep := sampleReport()
	path := filepath.Join(t.TempDir(), "reports", "run.json")

	require.NoError(t, rep.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded RunReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rep.RunID, decoded.RunID)
}

func TestReportString(t *testing.T) {
	rep := sampleReport()
	out := rep.String()

	assert.Contains(t, out, "NOT CONVERGED")
	assert.Contains(t, out, "cp-1 (master, 10.0.0.1)")
	assert.Contains(t, out, "join-cluster")
	assert.Contains(t, out, "TokenExpired")

	empty := NewRunReport("homelab", true)
	empty.Add(inventory.Node{Hostname: "cp-1", Role: inventory.RoleMaster}, nil)
	empty.Finish()
	assert.Contains(t, empty.String(), "no steps ran")
	assert.Contains(t, empty.String(), "(dry run)")
}

func TestDryRunConvergenceVerdict(t *testing.T) {
	rep := NewRunReport("homelab", true)
	rep.Add(inventory.Node{Hostname: "cp-1", Role: inventory.RoleMaster}, []ExecutionResult{
		{StepID: "install-deps", Status: StatusWouldApply},
	})
	rep.Finish()

	// pending changes mean not converged, but a dry run still exits zero
	assert.False(t, rep.Converged)
	assert.Equal(t, 1, rep.Summary.WouldApply)
	assert.Equal(t, 0, rep.ExitCode())
}

func TestWriteTextfile(t *testing.T) {
	rep := sampleReport()
	path := filepath.Join(t.TempDir(), "metrics", "converge.prom")

	require.NoError(t, WriteTextfile(path, rep))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "converge_run_converged 0")
	assert.Contains(t, out, `converge_steps_total{status="Applied"} 1`)
	assert.Contains(t, out, `converge_steps_total{status="Failed"} 1`)
	assert.Contains(t, out, `converge_node_converged{node="cp-1"} 1`)
	assert.Contains(t, out, `converge_node_converged{node="worker-1"} 0`)
}
