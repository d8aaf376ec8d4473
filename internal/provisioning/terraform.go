package provisioning

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gruntwork-io/terratest/modules/terraform"

	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/shared"
)

// Terraform provisions the fleet from a terraform module. The module
// must expose one comma-separated IP list output per role:
// master_ips, worker_ips and (optionally) storage_ips.
type Terraform struct {
	// Dir is the terraform module directory.
	Dir string

	// VarFiles are tfvars files handed to every terraform command.
	VarFiles []string

	// Cluster names the fleet in the resulting inventory.
	Cluster string

	opts *terraform.Options
}

var roleOutputs = []struct {
	output string
	role   inventory.Role
	prefix string
}{
	{"master_ips", inventory.RoleMaster, "cp"},
	{"worker_ips", inventory.RoleWorker, "worker"},
	{"storage_ips", inventory.RoleStorage, "storage"},
}

func (p *Terraform) options() *terraform.Options {
	if p.opts == nil {
		p.opts = &terraform.Options{
			TerraformDir: p.Dir,
			VarFiles:     p.VarFiles,
		}
	}

	return p.opts
}

// Provision applies the module and maps its IP outputs onto an
// inventory, hostnames derived from role and position.
func (p *Terraform) Provision() (*inventory.Inventory, error) {
	t := &testing.T{}

	shared.LogLevel("info", "provisioning fleet from %s", p.Dir)
	if _, err := terraform.InitAndApplyE(t, p.options()); err != nil {
		return nil, fmt.Errorf("provisioning fleet: %w", err)
	}

	inv := &inventory.Inventory{Cluster: p.Cluster}

	for _, ro := range roleOutputs {
		ips, err := terraform.OutputE(t, p.options(), ro.output)
		if err != nil {
			// storage nodes are optional; a missing output means none
			if ro.role == inventory.RoleStorage {
				continue
			}

			return nil, fmt.Errorf("reading %s output: %w", ro.output, err)
		}

		for i, ip := range strings.Split(ips, ",") {
			ip = strings.TrimSpace(ip)
			if ip == "" {
				continue
			}
			inv.Nodes = append(inv.Nodes, inventory.Node{
				Hostname: fmt.Sprintf("%s-%d", ro.prefix, i+1),
				IP:       ip,
				Role:     ro.role,
			})
		}
	}

	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("provisioned fleet is unusable: %w", err)
	}

	shared.LogLevel("info", "fleet up: %d node(s)", len(inv.Nodes))

	return inv, nil
}

// Destroy tears the fleet down.
func (p *Terraform) Destroy() error {
	if _, err := terraform.DestroyE(&testing.T{}, p.options()); err != nil {
		return fmt.Errorf("destroying fleet: %w", err)
	}

	return nil
}
