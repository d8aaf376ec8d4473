package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/clusterforge/converge/config"
	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/convergence"
	"github.com/clusterforge/converge/pkg/firewall"
	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/pkg/netpol"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/token"
	"github.com/clusterforge/converge/pkg/waiter"
	"github.com/clusterforge/converge/shared"
)

// initCluster runs kubeadm init on the control plane node and
// publishes the join credential for the worker runs. The convergence
// marker is kubeadm's admin.conf plus a live /healthz answer; a left
// over config on a dead control plane does not count as converged.
func (b *builder) initCluster() step.Step {
	return &step.Spec{
		StepID: StepInitCluster,
		Desc:   "initialize the kubernetes control plane",
		Roles:  []inventory.Role{inventory.RoleMaster},
		Deps:   []string{StepInstallDeps},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner,
				"sudo test -f "+Kubeconfig+" && "+kubectl("get --raw=/healthz"))
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			tok, err := token.Generate(b.cfg.Join.TokenTTL)
			if err != nil {
				return err
			}
			cmdrunner.RegisterSecret(tok.Raw())

			advertise := b.cfg.Network.AdvertiseIP
			if advertise == "" {
				advertise = t.Node.IP
			}

			initCmd := fmt.Sprintf(
				"sudo kubeadm init --token %s --token-ttl %s --apiserver-advertise-address %s --pod-network-cidr %s --service-cidr %s --node-name %s",
				tok.Raw(), ttlArg(b.cfg.Join.TokenTTL), advertise,
				b.cfg.Network.PodCIDR, b.cfg.Network.ServiceCIDR, t.Node.Hostname)

			if _, err := t.Runner.Run(ctx, initCmd); err != nil {
				return fmt.Errorf("kubeadm init on %s: %w", t.Node.Hostname, err)
			}

			if err := waiter.Poll(ctx, "api server health", b.readyCfg(), func(ctx context.Context) error {
				_, probeErr := t.Runner.Run(ctx, kubectl("get --raw=/healthz"))

				return probeErr
			}); err != nil {
				return err
			}

			hash, err := discoveryHash(ctx, t.Runner)
			if err != nil {
				return err
			}
			tok.DiscoveryHash = hash

			b.keeper.Publish(tok, b.cfg.APIEndpoint(t.Node.IP))
			shared.LogLevel("info", "control plane up on %s, join token %s expires %s",
				t.Node.Hostname, tok.String(), tok.Expiry.Format(time.RFC3339))

			return nil
		},
	}
}

// discoveryHash computes the CA public key pin workers verify the
// control plane with.
func discoveryHash(ctx context.Context, r cmdrunner.Runner) (string, error) {
	cmd := "sudo openssl x509 -pubkey -in /etc/kubernetes/pki/ca.crt" +
		" | openssl rsa -pubin -outform der 2>/dev/null" +
		" | openssl dgst -sha256 -hex | sed 's/^.* //'"

	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("computing discovery hash: %w", err)
	}
	hash := res.Output()
	if hash == "" {
		return "", fmt.Errorf("discovery hash came back empty")
	}

	return "sha256:" + hash, nil
}

// EnsureJoinToken publishes a credential minted on an already
// initialized control plane. Used when the master step was skipped in
// this run but workers still need to join.
func EnsureJoinToken(ctx context.Context, t *step.Target, cfg *config.Config, keeper *token.Keeper) error {
	if _, ok := keeper.Active(); ok {
		return nil
	}

	res, err := t.Runner.Run(ctx, "sudo kubeadm token create --ttl "+ttlArg(cfg.Join.TokenTTL))
	if err != nil {
		return fmt.Errorf("minting join token on %s: %w", t.Node.Hostname, err)
	}

	tok, err := token.FromString(res.Output(), cfg.Join.TokenTTL)
	if err != nil {
		return fmt.Errorf("kubeadm returned an unusable token: %w", err)
	}
	cmdrunner.RegisterSecret(tok.Raw())

	hash, err := discoveryHash(ctx, t.Runner)
	if err != nil {
		return err
	}
	tok.DiscoveryHash = hash

	keeper.Publish(tok, cfg.APIEndpoint(t.Node.IP))
	shared.LogLevel("info", "minted join token %s for this run", tok.String())

	return nil
}

// installCNI applies the pod network overlay and waits for its
// daemonset to cover the cluster.
func (b *builder) installCNI() step.Step {
	return &step.Spec{
		StepID: StepInstallCNI,
		Desc:   "install the pod network overlay",
		Roles:  []inventory.Role{inventory.RoleMaster},
		Deps:   []string{StepInitCluster},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			switch b.cfg.Network.CNI {
			case "flannel":
				return commandOK(ctx, t.Runner, kubectl("get daemonset kube-flannel-ds -n kube-flannel -o name"))
			default:
				return commandOK(ctx, t.Runner, kubectl("get daemonset calico-node -n kube-system -o name"))
			}
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			var seq []remoteCmd
			var rolloutNS, rolloutWorkload string

			switch b.cfg.Network.CNI {
			case "flannel":
				seq = []remoteCmd{
					{cmd: "curl -fsSL -o /tmp/kube-flannel.yml https://github.com/flannel-io/flannel/releases/latest/download/kube-flannel.yml", retry: true},
					{cmd: fmt.Sprintf("sed -i 's|10.244.0.0/16|%s|' /tmp/kube-flannel.yml", b.cfg.Network.PodCIDR)},
					{cmd: kubectl("apply -f /tmp/kube-flannel.yml")},
				}
				rolloutNS, rolloutWorkload = "kube-flannel", "daemonset/kube-flannel-ds"
			default:
				url := fmt.Sprintf("https://raw.githubusercontent.com/projectcalico/calico/%s/manifests/calico.yaml", b.cfg.Versions.Calico)
				seq = []remoteCmd{
					{cmd: "curl -fsSL -o /tmp/calico.yaml " + url, retry: true},
					{cmd: fmt.Sprintf(`sed -i -e 's|# - name: CALICO_IPV4POOL_CIDR|- name: CALICO_IPV4POOL_CIDR|' -e 's|#   value: "192.168.0.0/16"|  value: "%s"|' /tmp/calico.yaml`, b.cfg.Network.PodCIDR)},
					{cmd: kubectl("apply -f /tmp/calico.yaml")},
				}
				rolloutNS, rolloutWorkload = "kube-system", "daemonset/calico-node"
			}

			if err := runSequence(ctx, t.Runner, seq); err != nil {
				return fmt.Errorf("installing %s: %w", b.cfg.Network.CNI, err)
			}
			if err := b.waitRollout(ctx, t, rolloutNS, rolloutWorkload); err != nil {
				return err
			}

			return b.waitRollout(ctx, t, "kube-system", "deployment/coredns")
		},
	}
}

// applyNetworkPolicies converges both fences at once: the node-local
// UFW policy on the control plane host and the in-cluster
// NetworkPolicy set. Host firewall first, so the node is never open
// while the cluster side is still converging.
func (b *builder) applyNetworkPolicies() step.Step {
	return &step.Spec{
		StepID: StepNetworkPolicies,
		Desc:   "enforce default-deny network policy on host and cluster",
		Roles:  []inventory.Role{inventory.RoleMaster},
		Deps:   []string{StepInstallCNI},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			if b.cfg.Firewall.Manage {
				pol, err := b.hostPolicy(t.Node.Role)
				if err != nil {
					return false, err
				}
				ok, err := firewall.Satisfied(ctx, t.Runner, pol)
				if err != nil || !ok {
					return false, err
				}
			}

			return netpol.Satisfied(ctx, t.Runner, b.policyAllows(), Kubeconfig)
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			if b.cfg.Firewall.Manage {
				pol, err := b.hostPolicy(t.Node.Role)
				if err != nil {
					return err
				}
				if _, err := firewall.Converge(ctx, t.Runner, pol); err != nil {
					return err
				}
			}

			rendered, err := netpol.Render(b.policyAllows())
			if err != nil {
				return err
			}

			return netpol.Apply(ctx, t.Runner, rendered, Kubeconfig)
		},
	}
}

func (b *builder) policyAllows() []netpol.Allow {
	allows := make([]netpol.Allow, 0, len(b.cfg.Policies))
	for _, p := range b.cfg.Policies {
		a := netpol.Allow{
			Name:        p.Name,
			Namespace:   p.Namespace,
			PodSelector: p.PodSelector,
			FromCIDRs:   p.FromCIDRs,
		}
		for _, port := range p.Ports {
			proto := strings.ToUpper(port.Protocol)
			if proto == "" {
				proto = "TCP"
			}
			a.Ports = append(a.Ports, netpol.Port{Protocol: proto, Port: port.Port})
		}
		allows = append(allows, a)
	}

	return allows
}

// installIngress deploys ingress-nginx in its bare-metal flavor, the
// one that serves through node ports instead of a cloud load
// balancer.
func (b *builder) installIngress() step.Step {
	return &step.Spec{
		StepID: StepInstallIngress,
		Desc:   "install the ingress controller",
		Roles:  []inventory.Role{inventory.RoleMaster},
		Deps:   []string{StepInstallCNI},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, kubectl("get deployment ingress-nginx-controller -n ingress-nginx -o name"))
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			url := fmt.Sprintf(
				"https://raw.githubusercontent.com/kubernetes/ingress-nginx/controller-%s/deploy/static/provider/baremetal/deploy.yaml",
				b.cfg.Versions.IngressNginx)

			if _, err := cmdrunner.RunWithRetry(ctx, t.Runner, kubectl("apply -f "+url), nil); err != nil {
				return fmt.Errorf("installing ingress-nginx: %w", err)
			}

			return b.waitRollout(ctx, t, "ingress-nginx", "deployment/ingress-nginx-controller")
		},
	}
}

// configureBackups installs velero against the in-fleet object store
// and creates the daily schedule. Only registered when backup.enabled
// is set.
func (b *builder) configureBackups() step.Step {
	return &step.Spec{
		StepID:        StepConfigureBackups,
		Desc:          "configure scheduled cluster backups",
		Roles:         []inventory.Role{inventory.RoleMaster},
		Deps:          []string{StepInstallCNI},
		PrevalidateFn: b.requireBackupCreds,
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, kubectl("get deployment velero -n velero -o name"))
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			accessKey := os.Getenv(b.cfg.Backup.AccessKeyEnv)
			secretKey := os.Getenv(b.cfg.Backup.SecretKeyEnv)
			cmdrunner.RegisterSecret(secretKey)

			version := b.cfg.Versions.Velero
			creds := fmt.Sprintf("[default]\naws_access_key_id = %s\naws_secret_access_key = %s", accessKey, secretKey)

			install := fmt.Sprintf(
				"sudo velero --kubeconfig %s install --provider aws --plugins velero/velero-plugin-for-aws:v1.9.0"+
					" --bucket %s --secret-file /etc/converge/backup-credentials"+
					" --backup-location-config region=fleet,s3ForcePathStyle=true,s3Url=%s"+
					" --use-volume-snapshots=false --wait",
				Kubeconfig, b.cfg.Backup.Bucket, b.cfg.Backup.Endpoint)

			schedule := fmt.Sprintf(
				"sudo velero --kubeconfig %[1]s schedule get daily-cluster-backup > /dev/null 2>&1"+
					" || sudo velero --kubeconfig %[1]s schedule create daily-cluster-backup --schedule='%[2]s'",
				Kubeconfig, b.cfg.Backup.Schedule)

			seq := []remoteCmd{
				{cmd: fmt.Sprintf("curl -fsSL https://github.com/vmware-tanzu/velero/releases/download/%[1]s/velero-%[1]s-linux-amd64.tar.gz"+
					" | sudo tar -xz -C /usr/local/bin --strip-components=1 velero-%[1]s-linux-amd64/velero", version), retry: true},
				{cmd: "sudo mkdir -p /etc/converge"},
				{cmd: teeFile("/etc/converge/backup-credentials", creds)},
				{cmd: "sudo chmod 600 /etc/converge/backup-credentials"},
				{cmd: install},
				{cmd: schedule},
			}
			if err := runSequence(ctx, t.Runner, seq); err != nil {
				return fmt.Errorf("configuring backups: %w", err)
			}

			return nil
		},
	}
}

func (b *builder) requireBackupCreds(ctx context.Context, t *step.Target) error {
	for _, env := range []string{b.cfg.Backup.AccessKeyEnv, b.cfg.Backup.SecretKeyEnv} {
		if env == "" || os.Getenv(env) == "" {
			return convergence.Tag(convergence.KindPrerequisiteMissing,
				"backup credentials not available: environment variable %q is not set", env)
		}
	}

	return nil
}

// configureTunnel exposes the ingress through a cloudflared tunnel.
// Only registered when tunnel.enabled is set.
func (b *builder) configureTunnel() step.Step {
	return &step.Spec{
		StepID: StepConfigureTunnel,
		Desc:   "publish the ingress through an outbound tunnel",
		Roles:  []inventory.Role{inventory.RoleMaster},
		Deps:   []string{StepInstallIngress},
		PrevalidateFn: func(ctx context.Context, t *step.Target) error {
			_, err := t.Runner.Run(ctx, "sudo test -f /root/.cloudflared/cert.pem")
			if err != nil {
				return convergence.Tag(convergence.KindPrerequisiteMissing,
					"cloudflare origin certificate missing on %s, run 'cloudflared tunnel login' there first", t.Node.Hostname)
			}

			return nil
		},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, "systemctl is-active --quiet cloudflared")
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			name := b.cfg.Tunnel.Name
			tunnelCfg := fmt.Sprintf("tunnel: %s\ningress:\n  - hostname: %s\n    service: http://localhost:80\n  - service: http_status:404",
				name, b.cfg.Tunnel.Hostname)

			seq := []remoteCmd{
				{cmd: "curl -fsSL -o /tmp/cloudflared.deb https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-amd64.deb", retry: true},
				{cmd: "sudo dpkg -i /tmp/cloudflared.deb"},
				{cmd: fmt.Sprintf(`sudo cloudflared tunnel list -o json | grep -q '"name": *"%[1]s"' || sudo cloudflared tunnel create %[1]s`, name)},
				{cmd: fmt.Sprintf("sudo cloudflared tunnel route dns --overwrite-dns %s %s", name, b.cfg.Tunnel.Hostname)},
				{cmd: "sudo mkdir -p /etc/cloudflared"},
				{cmd: teeFile("/etc/cloudflared/config.yml", tunnelCfg)},
				{cmd: "test -f /etc/systemd/system/cloudflared.service || sudo cloudflared --config /etc/cloudflared/config.yml service install"},
				{cmd: "sudo systemctl enable --now cloudflared"},
			}
			if err := runSequence(ctx, t.Runner, seq); err != nil {
				return fmt.Errorf("configuring tunnel %s: %w", name, err)
			}

			return nil
		},
	}
}
