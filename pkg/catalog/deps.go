package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/convergence"
	"github.com/clusterforge/converge/pkg/step"
)

// installDeps prepares a node for kubernetes: kernel modules, sysctls,
// swap off, containerd with the systemd cgroup driver, and the
// version-pinned kubeadm/kubelet/kubectl packages.
func (b *builder) installDeps() step.Step {
	checkCmd := strings.Join([]string{
		"command -v kubeadm > /dev/null",
		"command -v kubelet > /dev/null",
		"command -v kubectl > /dev/null",
		"systemctl is-active --quiet containerd",
		`[ "$(sysctl -n net.ipv4.ip_forward)" = "1" ]`,
		`[ -z "$(swapon --show --noheadings)" ]`,
	}, " && ")

	return &step.Spec{
		StepID: StepInstallDeps,
		Desc:   "install container runtime and kubernetes packages",
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, checkCmd)
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			if err := runSequence(ctx, t.Runner, b.depsSequence()); err != nil {
				return fmt.Errorf("preparing node %s: %w", t.Node.Hostname, err)
			}

			return nil
		},
	}
}

func (b *builder) depsSequence() []remoteCmd {
	version := strings.TrimPrefix(b.cfg.Versions.Kubernetes, "v")
	repo := fmt.Sprintf("https://pkgs.k8s.io/core:/stable:/%s/deb/", kubeMinor(version))

	return []remoteCmd{
		{cmd: teeFile("/etc/modules-load.d/k8s.conf", "overlay\nbr_netfilter")},
		{cmd: "sudo modprobe overlay && sudo modprobe br_netfilter"},
		{cmd: teeFile("/etc/sysctl.d/99-kubernetes.conf",
			"net.bridge.bridge-nf-call-iptables = 1\n"+
				"net.bridge.bridge-nf-call-ip6tables = 1\n"+
				"net.ipv4.ip_forward = 1")},
		{cmd: "sudo sysctl --system > /dev/null"},
		{cmd: "sudo swapoff -a"},
		{cmd: `sudo sed -i '/\sswap\s/ s/^/#/' /etc/fstab`},

		{cmd: "sudo apt-get update -q", retry: true},
		{cmd: "sudo DEBIAN_FRONTEND=noninteractive apt-get install -yq containerd ca-certificates curl gpg ufw", retry: true},

		{cmd: "sudo mkdir -p /etc/containerd"},
		{cmd: "containerd config default | sudo tee /etc/containerd/config.toml > /dev/null"},
		{cmd: "sudo sed -i 's/SystemdCgroup = false/SystemdCgroup = true/' /etc/containerd/config.toml"},
		{cmd: "sudo systemctl enable --now containerd && sudo systemctl restart containerd"},

		{cmd: "sudo mkdir -p /etc/apt/keyrings"},
		{cmd: fmt.Sprintf("curl -fsSL %sRelease.key | sudo gpg --dearmor --yes -o /etc/apt/keyrings/kubernetes-apt-keyring.gpg", repo), retry: true},
		{cmd: fmt.Sprintf("echo 'deb [signed-by=/etc/apt/keyrings/kubernetes-apt-keyring.gpg] %s /' | sudo tee /etc/apt/sources.list.d/kubernetes.list > /dev/null", repo)},
		{cmd: "sudo apt-get update -q", retry: true},
		{cmd: fmt.Sprintf("sudo DEBIAN_FRONTEND=noninteractive apt-get install -yq kubelet=%[1]s-* kubeadm=%[1]s-* kubectl=%[1]s-*", version), retry: true},
		{cmd: "sudo apt-mark hold kubelet kubeadm kubectl"},
		{cmd: "sudo systemctl enable --now kubelet"},
	}
}

// configureVPN joins the node to the tailscale mesh. Only registered
// when vpn.enabled is set.
func (b *builder) configureVPN() step.Step {
	return &step.Spec{
		StepID: StepConfigureVPN,
		Desc:   "join the node to the management vpn mesh",
		PrevalidateFn: func(ctx context.Context, t *step.Target) error {
			if os.Getenv(b.cfg.VPN.AuthKeyEnv) == "" {
				return convergence.Tag(convergence.KindPrerequisiteMissing,
					"vpn auth key environment variable %s is not set", b.cfg.VPN.AuthKeyEnv)
			}

			return nil
		},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, "command -v tailscale > /dev/null && tailscale status > /dev/null 2>&1")
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			authKey := os.Getenv(b.cfg.VPN.AuthKeyEnv)
			cmdrunner.RegisterSecret(authKey)

			seq := []remoteCmd{
				{cmd: "curl -fsSL https://tailscale.com/install.sh | sh", retry: true},
				{cmd: fmt.Sprintf("sudo tailscale up --auth-key '%s' --hostname '%s'", authKey, t.Node.Hostname)},
			}
			if err := runSequence(ctx, t.Runner, seq); err != nil {
				return fmt.Errorf("joining %s to the vpn mesh: %w", t.Node.Hostname, err)
			}

			return nil
		},
	}
}
