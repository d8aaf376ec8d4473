// Package inventory models the fleet a convergence run acts on: which
// hosts exist, what role each plays and how to reach it. Inventories
// load from a YAML file or are discovered from EC2 instance tags.
package inventory

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clusterforge/converge/shared"
)

// Role places a node in the cluster topology.
type Role string

const (
	RoleMaster  Role = "master"
	RoleWorker  Role = "worker"
	RoleStorage Role = "storage"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMaster, RoleWorker, RoleStorage:
		return true
	}

	return false
}

// ParseRole validates an operator-supplied role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q (want master, worker or storage)", s)
	}

	return r, nil
}

// Node is one machine in the fleet.
type Node struct {
	Hostname string   `yaml:"hostname" json:"hostname"`
	IP       string   `yaml:"ip" json:"ip"`
	Role     Role     `yaml:"role" json:"role"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// SSHUser and SSHPort override the cluster-wide SSH settings for
	// this node when set.
	SSHUser string `yaml:"ssh_user,omitempty" json:"ssh_user,omitempty"`
	SSHPort int    `yaml:"ssh_port,omitempty" json:"ssh_port,omitempty"`
}

func (n Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

// Inventory is the full set of nodes for one cluster.
type Inventory struct {
	Cluster string `yaml:"cluster" json:"cluster"`
	Nodes   []Node `yaml:"nodes" json:"nodes"`
}

// Load reads and validates an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.ReturnLogError("failed to read inventory %s: %v", path, err)
	}

	return Parse(data)
}

// Parse decodes inventory YAML. Unknown fields are rejected so typos
// in host entries surface instead of silently dropping hosts.
func Parse(data []byte) (*Inventory, error) {
	inv := &Inventory{}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(inv); err != nil {
		return nil, fmt.Errorf("decoding inventory: %w", err)
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return inv, nil
}

// Validate rejects inventories a run could not act on.
func (i *Inventory) Validate() error {
	if len(i.Nodes) == 0 {
		return fmt.Errorf("inventory has no nodes")
	}

	seenName := make(map[string]bool, len(i.Nodes))
	seenIP := make(map[string]bool, len(i.Nodes))

	for idx, n := range i.Nodes {
		if n.Hostname == "" {
			return fmt.Errorf("node %d has no hostname", idx)
		}
		if seenName[n.Hostname] {
			return fmt.Errorf("duplicate hostname %q", n.Hostname)
		}
		seenName[n.Hostname] = true

		if net.ParseIP(n.IP) == nil {
			return fmt.Errorf("node %s has invalid ip %q", n.Hostname, n.IP)
		}
		if seenIP[n.IP] {
			return fmt.Errorf("duplicate ip %q", n.IP)
		}
		seenIP[n.IP] = true

		if !n.Role.Valid() {
			return fmt.Errorf("node %s has unknown role %q", n.Hostname, n.Role)
		}
	}

	return nil
}

// ByName returns the node with the given hostname.
func (i *Inventory) ByName(hostname string) (Node, bool) {
	for _, n := range i.Nodes {
		if n.Hostname == hostname {
			return n, true
		}
	}

	return Node{}, false
}

// ByRole returns nodes holding the role, in inventory order.
func (i *Inventory) ByRole(role Role) []Node {
	var out []Node
	for _, n := range i.Nodes {
		if n.Role == role {
			out = append(out, n)
		}
	}

	return out
}

// Masters returns the control plane nodes, in inventory order.
func (i *Inventory) Masters() []Node {
	return i.ByRole(RoleMaster)
}

// Select narrows the inventory to the nodes a run targets. An empty
// role matches every role; empty names match every node. Named nodes
// must exist, and when both filters are given, named nodes must also
// hold the role.
func (i *Inventory) Select(role Role, names []string) ([]Node, error) {
	if role != "" && !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := i.ByName(name); !ok {
			return nil, fmt.Errorf("node %q is not in the inventory", name)
		}
		want[name] = true
	}

	var out []Node
	for _, n := range i.Nodes {
		if role != "" && n.Role != role {
			if want[n.Hostname] {
				return nil, fmt.Errorf("node %q has role %s, not %s", n.Hostname, n.Role, role)
			}

			continue
		}
		if len(want) > 0 && !want[n.Hostname] {
			continue
		}
		out = append(out, n)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no nodes matched the selection")
	}

	return out, nil
}
