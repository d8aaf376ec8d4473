// Package netpol renders in-cluster NetworkPolicy manifests from
// typed structures and applies them through kubectl on the control
// plane node. Rendering always emits the default-deny policy for a
// namespace before any allow that punches through it.
package netpol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clusterforge/converge/pkg/cmdrunner"
)

const (
	apiVersion = "networking.k8s.io/v1"
	kind       = "NetworkPolicy"

	// DenyAllName is the per-namespace default-deny policy name.
	DenyAllName = "default-deny-all"

	manifestPath = "/var/lib/converge/network-policies.yaml"
)

type Manifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

type Metadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type Spec struct {
	PodSelector Selector      `yaml:"podSelector"`
	PolicyTypes []string      `yaml:"policyTypes,omitempty"`
	Ingress     []IngressRule `yaml:"ingress,omitempty"`
}

type Selector struct {
	MatchLabels map[string]string `yaml:"matchLabels,omitempty"`
}

type IngressRule struct {
	From  []Peer `yaml:"from,omitempty"`
	Ports []Port `yaml:"ports,omitempty"`
}

type Peer struct {
	IPBlock     *IPBlock  `yaml:"ipBlock,omitempty"`
	PodSelector *Selector `yaml:"podSelector,omitempty"`
}

type IPBlock struct {
	CIDR   string   `yaml:"cidr"`
	Except []string `yaml:"except,omitempty"`
}

type Port struct {
	Protocol string `yaml:"protocol,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

// Allow declares one ingress exception to the default deny.
type Allow struct {
	Name        string
	Namespace   string
	PodSelector map[string]string
	FromCIDRs   []string
	Ports       []Port
}

// DenyAll builds the namespace-wide default-deny policy. The empty pod
// selector matches every pod; no ingress rules means nothing gets in.
func DenyAll(namespace string) Manifest {
	return Manifest{
		APIVersion: apiVersion,
		Kind:       kind,
		Metadata: Metadata{
			Name:      DenyAllName,
			Namespace: namespace,
			Labels:    ownerLabels(),
		},
		Spec: Spec{
			PodSelector: Selector{},
			PolicyTypes: []string{"Ingress"},
		},
	}
}

// FromAllow builds the manifest for one allow declaration.
func FromAllow(a Allow) (Manifest, error) {
	if a.Name == "" {
		return Manifest{}, fmt.Errorf("network policy without a name")
	}
	ns := a.Namespace
	if ns == "" {
		ns = "default"
	}

	rule := IngressRule{Ports: a.Ports}
	for _, cidr := range a.FromCIDRs {
		rule.From = append(rule.From, Peer{IPBlock: &IPBlock{CIDR: cidr}})
	}

	return Manifest{
		APIVersion: apiVersion,
		Kind:       kind,
		Metadata: Metadata{
			Name:      a.Name,
			Namespace: ns,
			Labels:    ownerLabels(),
		},
		Spec: Spec{
			PodSelector: Selector{MatchLabels: a.PodSelector},
			PolicyTypes: []string{"Ingress"},
			Ingress:     []IngressRule{rule},
		},
	}, nil
}

func ownerLabels() map[string]string {
	return map[string]string{"app.kubernetes.io/managed-by": "converge"}
}

// Render produces one multi-document YAML stream: a default-deny for
// every namespace the allows touch, deny documents first.
func Render(allows []Allow) (string, error) {
	namespaces := make(map[string]bool)
	manifests := make([]Manifest, 0, len(allows))

	for _, a := range allows {
		m, err := FromAllow(a)
		if err != nil {
			return "", err
		}
		namespaces[m.Metadata.Namespace] = true
		manifests = append(manifests, m)
	}
	if len(namespaces) == 0 {
		namespaces["default"] = true
	}

	nsList := make([]string, 0, len(namespaces))
	for ns := range namespaces {
		nsList = append(nsList, ns)
	}
	sort.Strings(nsList)

	var b strings.Builder
	for _, ns := range nsList {
		if err := appendDoc(&b, DenyAll(ns)); err != nil {
			return "", err
		}
	}
	for _, m := range manifests {
		if err := appendDoc(&b, m); err != nil {
			return "", err
		}
	}

	return b.String(), nil
}

func appendDoc(b *strings.Builder, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling policy %s/%s: %w", m.Metadata.Namespace, m.Metadata.Name, err)
	}

	b.WriteString("---\n")
	b.Write(data)

	return nil
}

// Apply writes the rendered stream onto the node and applies it with
// kubectl. kubectl apply is idempotent, so re-running converges.
func Apply(ctx context.Context, r cmdrunner.Runner, rendered, kubeconfig string) error {
	cmds := []string{
		fmt.Sprintf("sudo mkdir -p %s", strings.TrimSuffix(manifestPath, "/network-policies.yaml")),
		fmt.Sprintf("sudo tee %s > /dev/null << 'EOF'\n%s\nEOF", manifestPath, rendered),
		fmt.Sprintf("sudo kubectl --kubeconfig %s apply -f %s", kubeconfig, manifestPath),
	}

	if _, err := cmdrunner.RunAll(ctx, r, cmds); err != nil {
		return fmt.Errorf("applying network policies on %s: %w", r.Host(), err)
	}

	return nil
}

// Satisfied reports whether every policy the allows imply already
// exists. Existence is the drift signal; content convergence rides on
// kubectl apply being idempotent.
func Satisfied(ctx context.Context, r cmdrunner.Runner, allows []Allow, kubeconfig string) (bool, error) {
	type ref struct{ ns, name string }

	want := []ref{}
	namespaces := map[string]bool{}
	for _, a := range allows {
		ns := a.Namespace
		if ns == "" {
			ns = "default"
		}
		namespaces[ns] = true
		want = append(want, ref{ns, a.Name})
	}
	if len(namespaces) == 0 {
		namespaces["default"] = true
	}
	for ns := range namespaces {
		want = append(want, ref{ns, DenyAllName})
	}

	for _, w := range want {
		cmd := fmt.Sprintf("sudo kubectl --kubeconfig %s get networkpolicy %s -n %s -o name",
			kubeconfig, w.name, w.ns)
		if _, err := r.Run(ctx, cmd); err != nil {
			// A plain non-zero exit means the policy is absent; a
			// missing kubectl or transport failure is a real error.
			var exitErr *cmdrunner.ExitError
			if errors.As(err, &exitErr) && !exitErr.NotFound() {
				return false, nil
			}

			return false, err
		}
	}

	return true, nil
}
