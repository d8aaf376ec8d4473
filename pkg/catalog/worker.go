package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/firewall"
	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/waiter"
	"github.com/clusterforge/converge/shared"
)

// configureHostFirewall converges the node-local UFW state before the
// node joins the cluster, so it never serves traffic through an open
// firewall. Only registered when firewall.manage is set.
func (b *builder) configureHostFirewall() step.Step {
	return &step.Spec{
		StepID: StepHostFirewall,
		Desc:   "converge the node-local firewall",
		Roles:  []inventory.Role{inventory.RoleWorker, inventory.RoleStorage},
		Deps:   []string{StepInstallDeps},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			pol, err := b.hostPolicy(t.Node.Role)
			if err != nil {
				return false, err
			}

			return firewall.Satisfied(ctx, t.Runner, pol)
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			pol, err := b.hostPolicy(t.Node.Role)
			if err != nil {
				return err
			}
			if _, err := firewall.Converge(ctx, t.Runner, pol); err != nil {
				return err
			}

			return nil
		},
	}
}

// joinCluster consumes the published token and joins the node.
// Prevalidation runs before any step on the node touches anything, so
// an expired or reused token fails the whole plan without leaving the
// node half-converged.
func (b *builder) joinCluster() step.Step {
	return &step.Spec{
		StepID: StepJoinCluster,
		Desc:   "join the node to the cluster",
		Roles:  []inventory.Role{inventory.RoleWorker, inventory.RoleStorage},
		Deps:   []string{StepInstallDeps},
		PrevalidateFn: func(ctx context.Context, t *step.Target) error {
			return b.keeper.Validate(t.Node.Hostname)
		},
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, "sudo test -f /etc/kubernetes/kubelet.conf")
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			tok, endpoint, err := b.keeper.Claim(t.Node.Hostname)
			if err != nil {
				return err
			}

			joinCmd := fmt.Sprintf("sudo kubeadm join %s --token %s --node-name %s",
				endpoint, tok.Raw(), t.Node.Hostname)
			if tok.DiscoveryHash != "" {
				joinCmd += " --discovery-token-ca-cert-hash " + tok.DiscoveryHash
			} else {
				joinCmd += " --discovery-token-unsafe-skip-ca-verification"
			}

			if _, err := t.Runner.Run(ctx, joinCmd); err != nil {
				return fmt.Errorf("kubeadm join on %s: %w", t.Node.Hostname, err)
			}

			if err := waiter.Poll(ctx, "kubelet active", b.readyCfg(), func(ctx context.Context) error {
				_, probeErr := t.Runner.Run(ctx, "systemctl is-active --quiet kubelet")

				return probeErr
			}); err != nil {
				return err
			}

			shared.LogLevel("info", "node %s joined through %s", t.Node.Hostname, endpoint)

			return nil
		},
	}
}

// installObjectStore runs a minio server on the storage node, the
// backup target for velero. Only registered when backup.enabled is
// set.
func (b *builder) installObjectStore() step.Step {
	return &step.Spec{
		StepID:        StepInstallObjectStore,
		Desc:          "install the backup object store",
		Roles:         []inventory.Role{inventory.RoleStorage},
		Deps:          []string{StepJoinCluster},
		PrevalidateFn: b.requireBackupCreds,
		CheckFn: func(ctx context.Context, t *step.Target) (bool, error) {
			return commandOK(ctx, t.Runner, "systemctl is-active --quiet minio")
		},
		ApplyFn: func(ctx context.Context, t *step.Target) error {
			accessKey := os.Getenv(b.cfg.Backup.AccessKeyEnv)
			secretKey := os.Getenv(b.cfg.Backup.SecretKeyEnv)
			cmdrunner.RegisterSecret(secretKey)

			envFile := fmt.Sprintf(
				"MINIO_VOLUMES=/srv/minio/data\nMINIO_OPTS='--console-address :9001'\nMINIO_ROOT_USER=%s\nMINIO_ROOT_PASSWORD=%s",
				accessKey, secretKey)

			unit := "[Unit]\n" +
				"Description=MinIO object storage\n" +
				"After=network-online.target\n" +
				"Wants=network-online.target\n\n" +
				"[Service]\n" +
				"User=minio-user\n" +
				"Group=minio-user\n" +
				"EnvironmentFile=/etc/default/minio\n" +
				"ExecStart=/usr/local/bin/minio server $MINIO_OPTS $MINIO_VOLUMES\n" +
				"Restart=always\n\n" +
				"[Install]\n" +
				"WantedBy=multi-user.target"

			seq := []remoteCmd{
				{cmd: "id minio-user > /dev/null 2>&1 || sudo useradd -r -s /usr/sbin/nologin minio-user"},
				{cmd: fmt.Sprintf("curl -fsSL -o /tmp/minio https://dl.min.io/server/minio/release/linux-amd64/archive/minio.%s", b.cfg.Versions.Minio), retry: true},
				{cmd: "sudo install -m 0755 /tmp/minio /usr/local/bin/minio"},
				{cmd: "sudo mkdir -p /srv/minio/data && sudo chown -R minio-user:minio-user /srv/minio"},
				{cmd: teeFile("/etc/default/minio", envFile)},
				{cmd: "sudo chmod 600 /etc/default/minio"},
				{cmd: teeFile("/etc/systemd/system/minio.service", unit)},
				{cmd: "sudo systemctl daemon-reload && sudo systemctl enable --now minio"},
			}
			if err := runSequence(ctx, t.Runner, seq); err != nil {
				return fmt.Errorf("installing object store on %s: %w", t.Node.Hostname, err)
			}

			return waiter.Poll(ctx, "object store health", b.readyCfg(), func(ctx context.Context) error {
				_, probeErr := t.Runner.Run(ctx, "curl -sf http://127.0.0.1:9000/minio/health/live > /dev/null")

				return probeErr
			})
		},
	}
}
