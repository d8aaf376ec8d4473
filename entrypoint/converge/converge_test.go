package converge

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clusterforge/converge/pkg/catalog"
	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/convergence"
	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/token"
)

var _ = Describe("Fleet convergence:", Ordered, func() {
	var (
		keeper *token.Keeper
		exec   *convergence.Executor
	)

	BeforeAll(func() {
		keeper = token.NewKeeper()
		exec = &convergence.Executor{StepTimeout: cfg.Timeouts.Step}
	})

	buildPlans := func() []*step.Plan {
		reg, err := catalog.New(catalog.Options{Config: cfg, Keeper: keeper})
		Expect(err).NotTo(HaveOccurred())

		plans := make([]*step.Plan, 0, len(inv.Nodes))
		for _, n := range inv.Nodes {
			r := cmdrunner.NewSSH(cmdrunner.SSHConfig{
				Host:    n.IP,
				Port:    cfg.SSH.Port,
				User:    cfg.SSH.User,
				KeyPath: cfg.SSH.KeyPath,
			})
			plans = append(plans, step.Build(reg, n, r))
		}

		return plans
	}

	closePlans := func(plans []*step.Plan) {
		for _, p := range plans {
			p.Target.Runner.Close()
		}
	}

	It("brings every node to the declared state on the first run", func() {
		plans := buildPlans()
		defer closePlans(plans)

		results := exec.ExecuteFleet(context.Background(), plans)

		for host, nodeResults := range results {
			Expect(nodeResults).NotTo(BeEmpty(), "node %s ran no steps", host)
			for _, res := range nodeResults {
				Expect(res.Status).To(BeElementOf(
					convergence.StatusApplied, convergence.StatusSkipped,
				), "node %s step %s: %s", host, res.StepID, res.Output)
			}
		}
	})

	It("mints exactly one join token for the whole fleet", func() {
		tok, ok := keeper.Active()
		Expect(ok).To(BeTrue())
		Expect(tok.Expired(time.Now())).To(BeFalse())
	})

	It("changes nothing on an immediate rerun", func() {
		plans := buildPlans()
		defer closePlans(plans)

		results := exec.ExecuteFleet(context.Background(), plans)

		for host, nodeResults := range results {
			for _, res := range nodeResults {
				Expect(res.Status).To(Equal(convergence.StatusSkipped),
					"node %s step %s reapplied: %s", host, res.StepID, res.Output)
			}
		}
	})

	It("reports the fleet in sync", func() {
		plans := buildPlans()
		defer closePlans(plans)

		drift := exec.Drift(context.Background(), plans)
		Expect(drift.InSync).To(BeTrue(), drift.String())
	})

	It("schedules every worker behind the control plane", func() {
		for _, n := range inv.Nodes {
			if n.Role != inventory.RoleWorker {
				continue
			}

			r := cmdrunner.NewSSH(cmdrunner.SSHConfig{
				Host:    n.IP,
				Port:    cfg.SSH.Port,
				User:    cfg.SSH.User,
				KeyPath: cfg.SSH.KeyPath,
			})
			defer r.Close()

			out, err := r.Run(context.Background(),
				"sudo test -f /etc/kubernetes/kubelet.conf && systemctl is-active kubelet")
			Expect(err).NotTo(HaveOccurred(), "worker %s: %s", n.Hostname, out)
		}
	})
})
