// Package firewall converges a host's UFW state onto a declared
// policy: observe the live ruleset, diff it against the declaration,
// then apply only the difference. UFW is the single backend; raw
// iptables chains are never touched, and rules this tool did not
// create are left alone.
package firewall

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/shared"
)

// commentPrefix marks rules this tool owns. Stale owned rules are
// removed on converge; anything else is foreign and preserved.
const commentPrefix = "converge:"

// Rule is one allow entry in the declared policy.
type Rule struct {
	Name  string // rule identity; becomes the ownership comment
	Port  string // "22" or "30000:32767"
	Proto string // "tcp" or "udp"
	From  string // source CIDR, or "any"
	Out   bool   // egress rule instead of ingress
}

func (r Rule) comment() string {
	return commentPrefix + r.Name
}

// target is the rule as ufw displays it in the To column.
func (r Rule) target() string {
	return r.Port + "/" + r.Proto
}

// key matches a declared rule against an observed one regardless of
// how it was created.
func (r Rule) key() string {
	dir := "IN"
	if r.Out {
		dir = "OUT"
	}

	return dir + "|" + r.target() + "|" + normalizeFrom(r.From)
}

func (o ObservedRule) key() string {
	return o.Direction + "|" + o.Target + "|" + normalizeFrom(o.From)
}

func normalizeFrom(from string) string {
	switch strings.ToLower(strings.TrimSpace(from)) {
	case "", "any", "anywhere":
		return "any"
	}

	return strings.TrimSpace(from)
}

// addCommand renders the ufw invocation that creates the rule.
func (r Rule) addCommand() string {
	var b strings.Builder
	b.WriteString("sudo ufw allow ")
	if r.Out {
		b.WriteString("out ")
	}
	fmt.Fprintf(&b, "proto %s ", r.Proto)
	if !r.Out {
		fmt.Fprintf(&b, "from %s ", normalizeFrom(r.From))
	}
	fmt.Fprintf(&b, "to any port %s comment '%s'", r.Port, r.comment())

	return b.String()
}

// Policy is the complete declared state for one host. The default
// stance is always deny incoming and deny outgoing; only the allow
// list varies per role, and it must carry the egress paths the node
// needs (resolver, mirrors, intra-cluster) as explicit Out rules.
type Policy struct {
	Allow []Rule
}

// Validate rejects policies that would render unusable ufw commands.
func (p Policy) Validate() error {
	seen := make(map[string]bool, len(p.Allow))
	for _, r := range p.Allow {
		if r.Name == "" {
			return fmt.Errorf("firewall rule without a name (port %s)", r.Port)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate firewall rule name %q", r.Name)
		}
		seen[r.Name] = true

		if r.Port == "" {
			return fmt.Errorf("firewall rule %s has no port", r.Name)
		}
		switch r.Proto {
		case "tcp", "udp":
		default:
			return fmt.Errorf("firewall rule %s has unsupported proto %q", r.Name, r.Proto)
		}
	}

	return nil
}

// Diff is what separates the live ruleset from the declared policy.
type Diff struct {
	Inactive      bool
	WrongDefaults bool
	Missing       []Rule
	Stale         []ObservedRule
}

// Clean reports that the host already matches the policy.
func (d Diff) Clean() bool {
	return !d.Inactive && !d.WrongDefaults && len(d.Missing) == 0 && len(d.Stale) == 0
}

func (d Diff) String() string {
	if d.Clean() {
		return "in sync"
	}

	var parts []string
	if d.Inactive {
		parts = append(parts, "ufw inactive")
	}
	if d.WrongDefaults {
		parts = append(parts, "default policy not deny-by-default")
	}
	for _, r := range d.Missing {
		parts = append(parts, "missing "+r.Name)
	}
	for _, o := range d.Stale {
		parts = append(parts, "stale "+strings.TrimPrefix(o.Comment, commentPrefix))
	}

	return strings.Join(parts, ", ")
}

// Observe reads the live state and diffs it against pol. Read-only.
func Observe(ctx context.Context, r cmdrunner.Runner, pol Policy) (Diff, error) {
	if err := pol.Validate(); err != nil {
		return Diff{}, err
	}

	verbose, err := r.Run(ctx, "sudo ufw status verbose")
	if err != nil {
		return Diff{}, fmt.Errorf("reading ufw defaults: %w", err)
	}
	numbered, err := r.Run(ctx, "sudo ufw status numbered")
	if err != nil {
		return Diff{}, fmt.Errorf("reading ufw rules: %w", err)
	}

	return diff(pol, verbose.Stdout, numbered.Stdout), nil
}

func diff(pol Policy, verboseOut, numberedOut string) Diff {
	var d Diff

	active, observed := parseNumbered(numberedOut)
	d.Inactive = !active

	incoming, outgoing := parseDefaults(verboseOut)
	d.WrongDefaults = incoming != "deny" || outgoing != "deny"

	have := make(map[string]ObservedRule, len(observed))
	for _, o := range observed {
		have[o.key()] = o
	}

	want := make(map[string]bool, len(pol.Allow))
	for _, rule := range pol.Allow {
		want[rule.key()] = true
		if _, ok := have[rule.key()]; !ok {
			d.Missing = append(d.Missing, rule)
		}
	}

	for _, o := range observed {
		if o.Owned() && !want[o.key()] {
			d.Stale = append(d.Stale, o)
		}
	}

	return d
}

// Satisfied reports whether the host already matches the policy.
func Satisfied(ctx context.Context, r cmdrunner.Runner, pol Policy) (bool, error) {
	d, err := Observe(ctx, r, pol)
	if err != nil {
		return false, err
	}

	return d.Clean(), nil
}

// Converge drives the host to the declared policy and returns the
// commands it ran. The default-deny stance is installed before any
// allow rule, allows are added before the firewall is enabled so the
// SSH path never drops, and stale owned rules go last, by descending
// index so deletion does not renumber pending victims.
func Converge(ctx context.Context, r cmdrunner.Runner, pol Policy) ([]string, error) {
	d, err := Observe(ctx, r, pol)
	if err != nil {
		return nil, err
	}
	if d.Clean() {
		return nil, nil
	}

	var cmds []string

	if d.WrongDefaults {
		cmds = append(cmds,
			"sudo ufw default deny incoming",
			"sudo ufw default deny outgoing",
		)
	}

	for _, rule := range d.Missing {
		cmds = append(cmds, rule.addCommand())
	}

	if d.Inactive {
		cmds = append(cmds, "sudo ufw --force enable")
	}

	stale := append([]ObservedRule(nil), d.Stale...)
	sort.Slice(stale, func(a, b int) bool { return stale[a].Index > stale[b].Index })
	for _, o := range stale {
		cmds = append(cmds, fmt.Sprintf("sudo ufw --force delete %d", o.Index))
	}

	for _, cmd := range cmds {
		if _, err := r.Run(ctx, cmd); err != nil {
			return cmds, fmt.Errorf("converging firewall on %s: %w", r.Host(), err)
		}
	}

	shared.LogLevel("info", "firewall on %s converged: %d change(s)", r.Host(), len(cmds))

	return cmds, nil
}

// CNIRules returns the extra allows the chosen CNI needs between
// cluster nodes, both directions: peers dial in, and the node itself
// must be able to dial out under the deny-all egress default.
func CNIRules(cni, nodeCIDR string) ([]Rule, error) {
	switch cni {
	case "calico":
		return []Rule{
			{Name: "calico-bgp", Port: "179", Proto: "tcp", From: nodeCIDR},
			{Name: "calico-vxlan", Port: "4789", Proto: "udp", From: nodeCIDR},
			{Name: "calico-typha", Port: "5473", Proto: "tcp", From: nodeCIDR},
			{Name: "calico-bgp-out", Port: "179", Proto: "tcp", Out: true},
			{Name: "calico-vxlan-out", Port: "4789", Proto: "udp", Out: true},
			{Name: "calico-typha-out", Port: "5473", Proto: "tcp", Out: true},
		}, nil
	case "flannel":
		return []Rule{
			{Name: "flannel-vxlan", Port: "8472", Proto: "udp", From: nodeCIDR},
			{Name: "flannel-vxlan-out", Port: "8472", Proto: "udp", Out: true},
		}, nil
	}

	return nil, fmt.Errorf("no firewall profile for cni %q", cni)
}
