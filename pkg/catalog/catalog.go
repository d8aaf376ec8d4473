// Package catalog declares the convergence steps this tool knows how
// to perform and registers them in their one fixed execution order.
// Steps scope themselves to roles; feature-gated steps are only
// registered when their config section enables them, so a default
// config yields the minimal bootstrap plan.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clusterforge/converge/config"
	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/convergence"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/token"
	"github.com/clusterforge/converge/pkg/waiter"
)

// Kubeconfig is where kubeadm leaves the admin credential on the
// control plane node. Every kubectl the catalog issues goes through it.
const Kubeconfig = "/etc/kubernetes/admin.conf"

// Step IDs in registration order.
const (
	StepInstallDeps        = "install-deps"
	StepConfigureVPN       = "configure-vpn"
	StepInitCluster        = "init-cluster"
	StepHostFirewall       = "configure-host-firewall"
	StepJoinCluster        = "join-cluster"
	StepInstallCNI         = "install-cni"
	StepNetworkPolicies    = "apply-network-policies"
	StepInstallIngress     = "install-ingress"
	StepInstallObjectStore = "install-object-store"
	StepConfigureBackups   = "configure-backups"
	StepConfigureTunnel    = "configure-tunnel"
)

type Options struct {
	Config *config.Config
	Keeper *token.Keeper
}

// New builds the registry for one run. Registration order is the
// execution order on every node; a node's plan is this order filtered
// to the steps that apply to it.
func New(opts Options) (*step.Registry, error) {
	if opts.Config == nil {
		return nil, errors.New("catalog needs a config")
	}
	if opts.Keeper == nil {
		opts.Keeper = token.NewKeeper()
	}

	b := &builder{cfg: opts.Config, keeper: opts.Keeper}

	steps := []step.Step{b.installDeps()}
	if b.cfg.VPN.Enabled {
		steps = append(steps, b.configureVPN())
	}
	steps = append(steps, b.initCluster())
	if b.cfg.Firewall.Manage {
		steps = append(steps, b.configureHostFirewall())
	}
	steps = append(steps, b.joinCluster(), b.installCNI(), b.applyNetworkPolicies(), b.installIngress())
	if b.cfg.Backup.Enabled {
		steps = append(steps, b.installObjectStore(), b.configureBackups())
	}
	if b.cfg.Tunnel.Enabled {
		steps = append(steps, b.configureTunnel())
	}

	reg := step.NewRegistry()
	for _, s := range steps {
		if err := reg.Register(s); err != nil {
			return nil, fmt.Errorf("building catalog: %w", err)
		}
	}

	return reg, nil
}

type builder struct {
	cfg    *config.Config
	keeper *token.Keeper
}

func (b *builder) readyCfg() waiter.Config {
	return waiter.Config{Timeout: b.cfg.Timeouts.Ready}
}

// remoteCmd is one command in an apply sequence. Commands that pull
// from mirrors or release endpoints are marked for retry.
type remoteCmd struct {
	cmd   string
	retry bool
}

func runSequence(ctx context.Context, r cmdrunner.Runner, seq []remoteCmd) error {
	for _, c := range seq {
		var err error
		if c.retry {
			_, err = cmdrunner.RunWithRetry(ctx, r, c.cmd, nil)
		} else {
			_, err = r.Run(ctx, c.cmd)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// commandOK turns a probe command's exit status into a check verdict.
// Non-zero means the state does not hold yet; anything that prevented
// the probe from running at all is a real error.
func commandOK(ctx context.Context, r cmdrunner.Runner, cmd string) (bool, error) {
	_, err := r.Run(ctx, cmd)
	if err == nil {
		return true, nil
	}

	var exitErr *cmdrunner.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.NotFound() {
			return false, convergence.Tagged(convergence.KindPrerequisiteMissing, err)
		}

		return false, nil
	}

	return false, err
}

func kubectl(args string) string {
	return "sudo kubectl --kubeconfig " + Kubeconfig + " " + args
}

// waitRollout polls until the workload reports a complete rollout.
func (b *builder) waitRollout(ctx context.Context, t *step.Target, namespace, workload string) error {
	probe := kubectl(fmt.Sprintf("-n %s rollout status %s --timeout=5s", namespace, workload))

	return waiter.Poll(ctx, workload+" rollout", b.readyCfg(), func(ctx context.Context) error {
		_, err := t.Runner.Run(ctx, probe)

		return err
	})
}

// teeFile renders the heredoc command that writes content to path.
func teeFile(path, content string) string {
	return fmt.Sprintf("sudo tee %s > /dev/null << 'EOF'\n%s\nEOF", path, strings.TrimRight(content, "\n"))
}

// kubeMinor maps a full version like 1.29.3 onto the pkgs.k8s.io
// repository line, v1.29.
func kubeMinor(version string) string {
	parts := strings.SplitN(strings.TrimPrefix(version, "v"), ".", 3)
	if len(parts) < 2 {
		return "v" + version
	}

	return "v" + parts[0] + "." + parts[1]
}

func ttlArg(d time.Duration) string {
	return d.String()
}
