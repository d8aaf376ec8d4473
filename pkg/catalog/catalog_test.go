package catalog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/converge/config"
	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/convergence"
	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/token"
)

func testConfig() *config.Config {
	return &config.Config{
		Cluster: config.ClusterConfig{Name: "homelab"},
		Network: config.NetworkConfig{
			PodCIDR:     "10.244.0.0/16",
			ServiceCIDR: "10.96.0.0/12",
			NodeCIDR:    "10.0.0.0/24",
			MgmtCIDR:    "192.168.10.0/24",
			CNI:         "calico",
		},
		Join:     config.JoinConfig{TokenTTL: 24 * time.Hour},
		Firewall: config.FirewallConfig{Manage: true},
		Versions: config.VersionsConfig{
			Kubernetes:   "1.29.3",
			Calico:       "v3.27.2",
			IngressNginx: "v1.10.0",
		},
		Timeouts: config.TimeoutsConfig{
			Step:  time.Minute,
			Ready: 5 * time.Second,
		},
	}
}

func buildRegistry(t *testing.T, cfg *config.Config, keeper *token.Keeper) *step.Registry {
	t.Helper()

	reg, err := New(Options{Config: cfg, Keeper: keeper})
	require.NoError(t, err)

	return reg
}

func TestMasterPlanOrder(t *testing.T) {
	reg := buildRegistry(t, testConfig(), nil)

	master := inventory.Node{Hostname: "cp-1", IP: "10.0.0.1", Role: inventory.RoleMaster}
	p := step.Build(reg, master, &cmdrunner.Fake{HostName: "cp-1"})

	assert.Equal(t, []string{
		StepInstallDeps,
		StepInitCluster,
		StepInstallCNI,
		StepNetworkPolicies,
		StepInstallIngress,
	}, p.StepIDs())
}

func TestWorkerPlanOrder(t *testing.T) {
	reg := buildRegistry(t, testConfig(), nil)

	worker := inventory.Node{Hostname: "worker-1", IP: "10.0.0.2", Role: inventory.RoleWorker}
	p := step.Build(reg, worker, &cmdrunner.Fake{HostName: "worker-1"})

	assert.Equal(t, []string{
		StepInstallDeps,
		StepHostFirewall,
		StepJoinCluster,
	}, p.StepIDs())
}

func TestFeatureGatedStepsOnlyRegisterWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.VPN = config.VPNConfig{Enabled: true, AuthKeyEnv: "TS_AUTHKEY"}
	cfg.Tunnel = config.TunnelConfig{Enabled: true, Name: "homelab", Hostname: "apps.example.com"}
	cfg.Backup = config.BackupConfig{
		Enabled: true, Bucket: "velero",
		Endpoint:     "http://10.0.0.3:9000",
		AccessKeyEnv: "MINIO_ACCESS_KEY", SecretKeyEnv: "MINIO_SECRET_KEY",
	}
	cfg.Versions.Minio = "RELEASE.2024-03-15T01-07-19Z"
	cfg.Versions.Velero = "v1.13.1"

	reg := buildRegistry(t, cfg, nil)

	master := inventory.Node{Hostname: "cp-1", IP: "10.0.0.1", Role: inventory.RoleMaster}
	p := step.Build(reg, master, &cmdrunner.Fake{HostName: "cp-1"})
	assert.Equal(t, []string{
		StepInstallDeps,
		StepConfigureVPN,
		StepInitCluster,
		StepInstallCNI,
		StepNetworkPolicies,
		StepInstallIngress,
		StepConfigureBackups,
		StepConfigureTunnel,
	}, p.StepIDs())

	storage := inventory.Node{Hostname: "storage-1", IP: "10.0.0.3", Role: inventory.RoleStorage}
	p = step.Build(reg, storage, &cmdrunner.Fake{HostName: "storage-1"})
	assert.Equal(t, []string{
		StepInstallDeps,
		StepConfigureVPN,
		StepHostFirewall,
		StepJoinCluster,
		StepInstallObjectStore,
	}, p.StepIDs())
}

func TestCatalogRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHostPolicyPerRole(t *testing.T) {
	cfg := testConfig()
	cfg.Firewall.Allow = []config.AllowRule{
		{Name: "grafana", Port: "3000", Proto: "tcp", From: "192.168.10.0/24"},
	}
	b := &builder{cfg: cfg, keeper: token.NewKeeper()}

	masterPol, err := b.hostPolicy(inventory.RoleMaster)
	require.NoError(t, err)

	var masterNames []string
	for _, r := range masterPol.Allow {
		masterNames = append(masterNames, r.Name)
	}
	assert.Contains(t, masterNames, "ssh")
	assert.Contains(t, masterNames, "k8s-api-admin")
	assert.Contains(t, masterNames, "etcd")
	assert.Contains(t, masterNames, "etcd-out")
	assert.Contains(t, masterNames, "calico-bgp")
	assert.Contains(t, masterNames, "grafana")
	assert.NotContains(t, masterNames, "nodeport-services")

	// egress is denied by default, so the outbound baseline must be
	// declared explicitly
	assert.Contains(t, masterNames, "dns-out")
	assert.Contains(t, masterNames, "https-out")
	assert.Contains(t, masterNames, "calico-bgp-out")

	workerPol, err := b.hostPolicy(inventory.RoleWorker)
	require.NoError(t, err)

	var workerNames []string
	for _, r := range workerPol.Allow {
		workerNames = append(workerNames, r.Name)
	}
	assert.Contains(t, workerNames, "nodeport-services")
	assert.Contains(t, workerNames, "k8s-api-out")
	assert.NotContains(t, workerNames, "etcd")
	assert.NotContains(t, workerNames, "etcd-out")

	// ssh stays scoped to the management network
	assert.Equal(t, "192.168.10.0/24", workerPol.Allow[0].From)
}

func TestHostPolicyRejectsUnknownCNI(t *testing.T) {
	cfg := testConfig()
	cfg.Network.CNI = "cilium"
	b := &builder{cfg: cfg, keeper: token.NewKeeper()}

	_, err := b.hostPolicy(inventory.RoleWorker)
	assert.Error(t, err)
}

// clusterSim scripts a whole control plane bring-up: each step's check
// fails until its apply ran, exactly like a real host converging.
type clusterSim struct {
	mu    sync.Mutex
	state map[string]bool
}

func (c *clusterSim) set(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = true
}

func (c *clusterSim) ok(cmd, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state[key] {
		return "", nil
	}

	return "", cmdrunner.Exit(cmd, 1, "not converged yet")
}

func (c *clusterSim) handle(cmd string) (string, error) {
	switch {
	case strings.Contains(cmd, "command -v kubeadm"):
		return c.ok(cmd, "deps")
	case strings.Contains(cmd, "apt-mark hold"):
		c.set("deps")
		return "", nil

	case strings.HasPrefix(cmd, "sudo test -f /etc/kubernetes/admin.conf"):
		return c.ok(cmd, "init")
	case strings.Contains(cmd, "kubeadm init"):
		c.set("init")
		return "", nil
	case strings.Contains(cmd, "--raw=/healthz"):
		return "ok", nil
	case strings.Contains(cmd, "openssl x509"):
		return "2c498f7f2e029f3b4b3e8a2f6c1d9e8b7a6f5e4d3c2b1a0f9e8d7c6b5a4f3e2d\n", nil

	case strings.Contains(cmd, "get daemonset calico-node"):
		return c.ok(cmd, "cni")
	case strings.Contains(cmd, "apply -f /tmp/calico.yaml"):
		c.set("cni")
		return "", nil
	case strings.Contains(cmd, "rollout status"):
		return "", nil

	case strings.Contains(cmd, "get networkpolicy"):
		return c.ok(cmd, "netpol")
	case strings.Contains(cmd, "apply -f /var/lib/converge/network-policies.yaml"):
		c.set("netpol")
		return "", nil

	case strings.Contains(cmd, "get deployment ingress-nginx-controller"):
		return c.ok(cmd, "ingress")
	case strings.Contains(cmd, "apply -f https://raw.githubusercontent.com/kubernetes/ingress-nginx"):
		c.set("ingress")
		return "", nil
	}

	return "", nil
}

func TestMasterConvergesThenSkipsOnRerun(t *testing.T) {
	cfg := testConfig()
	cfg.Firewall.Manage = false

	keeper := token.NewKeeper()
	reg := buildRegistry(t, cfg, keeper)

	sim := &clusterSim{state: make(map[string]bool)}
	master := inventory.Node{Hostname: "cp-1", IP: "10.0.0.1", Role: inventory.RoleMaster}

	mkPlan := func() *step.Plan {
		return step.Build(reg, master, &cmdrunner.Fake{HostName: "cp-1", Handler: sim.handle})
	}

	exec := &convergence.Executor{StepTimeout: time.Minute}

	first := exec.Execute(context.Background(), mkPlan())
	require.Len(t, first, 5)
	for _, res := range first {
		assert.Equal(t, convergence.StatusApplied, res.Status, res.StepID)
	}

	// the control plane run published a join credential for the workers
	tok, ok := keeper.Active()
	require.True(t, ok)
	assert.Len(t, tok.ID, token.IDLen)
	assert.Equal(t, "sha256:2c498f7f2e029f3b4b3e8a2f6c1d9e8b7a6f5e4d3c2b1a0f9e8d7c6b5a4f3e2d", tok.DiscoveryHash)
	assert.False(t, tok.Expired(time.Now()))

	second := exec.Execute(context.Background(), mkPlan())
	require.Len(t, second, 5)
	for _, res := range second {
		assert.Equal(t, convergence.StatusSkipped, res.Status, res.StepID)
	}
}

func TestInitClusterCheckDemandsLiveAPI(t *testing.T) {
	reg := buildRegistry(t, testConfig(), token.NewKeeper())
	s, ok := reg.Lookup(StepInitCluster)
	require.True(t, ok)

	master := inventory.Node{Hostname: "cp-1", IP: "10.0.0.1", Role: inventory.RoleMaster}

	// admin.conf is still on disk but the apiserver no longer answers
	dead := &cmdrunner.Fake{HostName: "cp-1", Handler: func(cmd string) (string, error) {
		if strings.Contains(cmd, "--raw=/healthz") {
			return "", cmdrunner.Exit(cmd, 1, "connection refused")
		}

		return "", nil
	}}
	done, err := s.Check(context.Background(), &step.Target{Node: master, Runner: dead})
	require.NoError(t, err)
	assert.False(t, done)

	healthy := &cmdrunner.Fake{HostName: "cp-1"}
	done, err = s.Check(context.Background(), &step.Target{Node: master, Runner: healthy})
	require.NoError(t, err)
	assert.True(t, done)

	checks := healthy.CallsMatching("--raw=/healthz")
	require.Len(t, checks, 1)
	assert.Contains(t, checks[0], "sudo test -f /etc/kubernetes/admin.conf && ")
}

func TestWorkerJoinUsesClaimedToken(t *testing.T) {
	cfg := testConfig()
	cfg.Firewall.Manage = false

	keeper := token.NewKeeper()
	tok, err := token.Generate(time.Hour)
	require.NoError(t, err)
	tok.DiscoveryHash = "sha256:deadbeef"
	keeper.Publish(tok, "10.0.0.1:6443")

	reg := buildRegistry(t, cfg, keeper)
	worker := inventory.Node{Hostname: "worker-1", IP: "10.0.0.2", Role: inventory.RoleWorker}

	sim := &clusterSim{state: map[string]bool{"deps": true}}
	f := &cmdrunner.Fake{HostName: "worker-1", Handler: func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "sudo test -f /etc/kubernetes/kubelet.conf"):
			return sim.ok(cmd, "joined")
		case strings.Contains(cmd, "kubeadm join"):
			sim.set("joined")
			return "", nil
		case strings.Contains(cmd, "is-active --quiet kubelet"):
			return sim.ok(cmd, "joined")
		}

		return sim.handle(cmd)
	}}

	exec := &convergence.Executor{StepTimeout: time.Minute}
	results := exec.Execute(context.Background(), step.Build(reg, worker, f))

	require.Len(t, results, 2)
	assert.Equal(t, convergence.StatusSkipped, results[0].Status)
	assert.Equal(t, convergence.StatusApplied, results[1].Status)

	joins := f.CallsMatching("kubeadm join")
	require.Len(t, joins, 1)
	assert.Contains(t, joins[0], "10.0.0.1:6443")
	assert.Contains(t, joins[0], tok.Raw())
	assert.Contains(t, joins[0], "--discovery-token-ca-cert-hash sha256:deadbeef")
}

func TestWorkerWithExpiredTokenFailsBeforeAnythingRuns(t *testing.T) {
	cfg := testConfig()

	keeper := token.NewKeeper()
	tok, err := token.Generate(time.Hour)
	require.NoError(t, err)
	keeper.Publish(tok, "10.0.0.1:6443")
	keeper.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	reg := buildRegistry(t, cfg, keeper)
	worker := inventory.Node{Hostname: "worker-1", IP: "10.0.0.2", Role: inventory.RoleWorker}

	f := &cmdrunner.Fake{HostName: "worker-1"}
	exec := &convergence.Executor{StepTimeout: time.Minute}
	results := exec.Execute(context.Background(), step.Build(reg, worker, f))

	require.Len(t, results, 1)
	assert.Equal(t, StepJoinCluster, results[0].StepID)
	assert.Equal(t, convergence.StatusFailed, results[0].Status)
	assert.Equal(t, convergence.KindTokenExpired, results[0].Kind)

	// prevalidation rejected the plan before a single command ran
	assert.Empty(t, f.Calls())
}

func TestEnsureJoinTokenMintsOnConvergedMaster(t *testing.T) {
	cfg := testConfig()
	keeper := token.NewKeeper()
	master := inventory.Node{Hostname: "cp-1", IP: "10.0.0.1", Role: inventory.RoleMaster}

	f := &cmdrunner.Fake{HostName: "cp-1", Handler: func(cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "kubeadm token create"):
			return "abcdef.0123456789abcdef\n", nil
		case strings.Contains(cmd, "openssl x509"):
			return "cafe01\n", nil
		}

		return "", nil
	}}

	target := &step.Target{Node: master, Runner: f}
	require.NoError(t, EnsureJoinToken(context.Background(), target, cfg, keeper))

	tok, ok := keeper.Active()
	require.True(t, ok)
	assert.Equal(t, "abcdef", tok.ID)
	assert.Equal(t, "sha256:cafe01", tok.DiscoveryHash)

	// an already published token is reused, not reminted
	calls := len(f.Calls())
	require.NoError(t, EnsureJoinToken(context.Background(), target, cfg, keeper))
	assert.Len(t, f.Calls(), calls)
}

func TestKubeMinor(t *testing.T) {
	assert.Equal(t, "v1.29", kubeMinor("1.29.3"))
	assert.Equal(t, "v1.30", kubeMinor("v1.30.0"))
	assert.Equal(t, "v1.29", kubeMinor("1.29"))
}
