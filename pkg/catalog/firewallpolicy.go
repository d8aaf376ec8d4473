package catalog

import (
	"fmt"

	"github.com/clusterforge/converge/pkg/firewall"
	"github.com/clusterforge/converge/pkg/inventory"
)

// hostPolicy assembles the declared UFW policy for one role. SSH and
// operator-facing ports are scoped to the management CIDR,
// intra-cluster ports to the node CIDR, and the CNI's own ports ride
// on top. Egress is denied by default like ingress, so the outbound
// paths a node depends on (resolver, package mirrors and registries,
// time sync, control plane traffic) are declared allows too. Operator
// extras from the config come last.
func (b *builder) hostPolicy(role inventory.Role) (firewall.Policy, error) {
	net := b.cfg.Network

	mgmt := net.MgmtCIDR
	if mgmt == "" {
		mgmt = "any"
	}

	rules := []firewall.Rule{
		{Name: "ssh", Port: "22", Proto: "tcp", From: mgmt},
		{Name: "kubelet-api", Port: "10250", Proto: "tcp", From: net.NodeCIDR},
		{Name: "dns-out", Port: "53", Proto: "udp", Out: true},
		{Name: "dns-tcp-out", Port: "53", Proto: "tcp", Out: true},
		{Name: "http-out", Port: "80", Proto: "tcp", Out: true},
		{Name: "https-out", Port: "443", Proto: "tcp", Out: true},
		{Name: "ntp-out", Port: "123", Proto: "udp", Out: true},
		{Name: "k8s-api-out", Port: "6443", Proto: "tcp", Out: true},
		{Name: "kubelet-out", Port: "10250", Proto: "tcp", Out: true},
	}

	switch role {
	case inventory.RoleMaster:
		rules = append(rules,
			firewall.Rule{Name: "k8s-api-admin", Port: "6443", Proto: "tcp", From: mgmt},
			firewall.Rule{Name: "k8s-api-nodes", Port: "6443", Proto: "tcp", From: net.NodeCIDR},
			firewall.Rule{Name: "etcd", Port: "2379:2380", Proto: "tcp", From: net.NodeCIDR},
			firewall.Rule{Name: "etcd-out", Port: "2379:2380", Proto: "tcp", Out: true},
		)
	case inventory.RoleWorker, inventory.RoleStorage:
		rules = append(rules,
			firewall.Rule{Name: "nodeport-services", Port: "30000:32767", Proto: "tcp", From: mgmt},
		)
	}

	if role == inventory.RoleStorage && b.cfg.Backup.Enabled {
		rules = append(rules,
			firewall.Rule{Name: "minio-s3", Port: "9000", Proto: "tcp", From: net.NodeCIDR},
			firewall.Rule{Name: "minio-console", Port: "9001", Proto: "tcp", From: mgmt},
		)
	}
	if role == inventory.RoleMaster && b.cfg.Backup.Enabled {
		rules = append(rules,
			firewall.Rule{Name: "minio-out", Port: "9000", Proto: "tcp", Out: true},
		)
	}
	if b.cfg.VPN.Enabled {
		rules = append(rules,
			firewall.Rule{Name: "tailscale-out", Port: "41641", Proto: "udp", Out: true},
		)
	}
	if role == inventory.RoleMaster && b.cfg.Tunnel.Enabled {
		rules = append(rules,
			firewall.Rule{Name: "cloudflared-out", Port: "7844", Proto: "udp", Out: true},
			firewall.Rule{Name: "cloudflared-tcp-out", Port: "7844", Proto: "tcp", Out: true},
		)
	}

	cniRules, err := firewall.CNIRules(net.CNI, net.NodeCIDR)
	if err != nil {
		return firewall.Policy{}, err
	}
	rules = append(rules, cniRules...)

	for _, extra := range b.cfg.Firewall.Allow {
		from := extra.From
		if from == "" {
			from = "any"
		}
		rules = append(rules, firewall.Rule{
			Name:  extra.Name,
			Port:  extra.Port,
			Proto: extra.Proto,
			From:  from,
		})
	}

	pol := firewall.Policy{Allow: rules}
	if err := pol.Validate(); err != nil {
		return firewall.Policy{}, fmt.Errorf("firewall policy for role %s: %w", role, err)
	}

	return pol, nil
}
