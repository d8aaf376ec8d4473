// Package provisioning creates and destroys disposable fleets for the
// acceptance suite. Production fleets are described by a static
// inventory file; this package only exists so the end-to-end tests can
// converge real machines and throw them away afterwards.
package provisioning

import (
	"github.com/clusterforge/converge/pkg/inventory"
)

// Provisioner stands up a fleet and reports it as an inventory the
// converge run can act on.
type Provisioner interface {
	// Provision creates the fleet and blocks until every node is
	// reachable enough to appear in the inventory.
	Provision() (*inventory.Inventory, error)

	// Destroy tears the fleet down. Safe to call after a failed
	// Provision.
	Destroy() error
}
