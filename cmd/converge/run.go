package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/clusterforge/converge/config"
	"github.com/clusterforge/converge/pkg/catalog"
	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/convergence"
	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/pkg/logger"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/token"
	"github.com/clusterforge/converge/shared"
)

const (
	// joinTokenEnv hands a worker-only run the join credential minted
	// elsewhere. The value never reaches logs or reports.
	joinTokenEnv = "CONVERGE_JOIN_TOKEN"

	// discoveryHashEnv optionally pairs a CA pin with joinTokenEnv.
	discoveryHashEnv = "CONVERGE_DISCOVERY_HASH"
)

func runCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Converge the selected nodes to the declared state",
		Flags: append(selectionFlags(),
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "report what would change without applying anything",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-step timeout, overriding timeouts.step",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "write the JSON run report to this path",
			},
			&cli.StringFlag{
				Name:  "metrics-textfile",
				Usage: "write run metrics for the node_exporter textfile collector",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, inv, nodes, err := setup(c)
			if err != nil {
				return err
			}

			keeper := token.NewKeeper()
			if err := publishEnvToken(cfg, inv, keeper); err != nil {
				return cli.Exit(err.Error(), 2)
			}

			reg, err := catalog.New(catalog.Options{Config: cfg, Keeper: keeper})
			if err != nil {
				return cli.Exit(fmt.Sprintf("building step catalog: %v", err), 1)
			}

			plans := buildPlans(reg, cfg, nodes)
			defer closePlans(plans)

			stepTimeout := cfg.Timeouts.Step
			if c.Duration("timeout") > 0 {
				stepTimeout = c.Duration("timeout")
			}

			exec := &convergence.Executor{
				DryRun:       c.Bool("dry-run"),
				StepTimeout:  stepTimeout,
				AfterMasters: ensureFleetToken(cfg, inv, keeper),
			}

			shared.LogLevel("info", "converging %d node(s) of cluster %s", len(nodes), cfg.Cluster.Name)
			results := exec.ExecuteFleet(ctx, plans)

			rep := convergence.NewRunReport(cfg.Cluster.Name, exec.DryRun)
			for _, p := range plans {
				rep.Add(p.Target.Node, results[p.Target.Node.Hostname])
			}
			rep.Finish()

			fmt.Print(rep.String())

			if path := firstNonEmpty(c.String("report"), cfg.Report.Path); path != "" {
				if err := rep.Save(path); err != nil {
					shared.LogLevel("error", "writing run report: %v", err)
				}
			}
			if path := firstNonEmpty(c.String("metrics-textfile"), cfg.Report.MetricsTextfile); path != "" {
				if err := convergence.WriteTextfile(path, rep); err != nil {
					shared.LogLevel("error", "writing metrics textfile: %v", err)
				}
			}

			if code := rep.ExitCode(); code != 0 {
				return cli.Exit("", code)
			}

			return nil
		},
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the ordered steps each selected node would run",
		Flags: selectionFlags(),
		Action: func(c *cli.Context) error {
			cfg, _, nodes, err := setup(c)
			if err != nil {
				return err
			}

			reg, err := catalog.New(catalog.Options{Config: cfg, Keeper: token.NewKeeper()})
			if err != nil {
				return cli.Exit(fmt.Sprintf("building step catalog: %v", err), 1)
			}

			for _, n := range nodes {
				p := step.Build(reg, n, nil)
				fmt.Printf("%s (%s):\n", n.Hostname, n.Role)
				if len(p.Steps) == 0 {
					fmt.Println("  nothing applies")

					continue
				}
				for _, id := range p.StepIDs() {
					fmt.Printf("  %s\n", id)
				}
			}

			return nil
		},
	}
}

func statusCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Check every step read-only and report drift (exit 1 when drifted)",
		Flags: append(selectionFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "emit the drift report as JSON",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, inv, nodes, err := setup(c)
			if err != nil {
				return err
			}

			keeper := token.NewKeeper()
			if err := publishEnvToken(cfg, inv, keeper); err != nil {
				return cli.Exit(err.Error(), 2)
			}

			reg, err := catalog.New(catalog.Options{Config: cfg, Keeper: keeper})
			if err != nil {
				return cli.Exit(fmt.Sprintf("building step catalog: %v", err), 1)
			}

			plans := buildPlans(reg, cfg, nodes)
			defer closePlans(plans)

			exec := &convergence.Executor{StepTimeout: cfg.Timeouts.Step}
			drift := exec.Drift(ctx, plans)

			if c.Bool("json") {
				if err := drift.WriteJSON(os.Stdout); err != nil {
					return cli.Exit(fmt.Sprintf("writing drift report: %v", err), 1)
				}
			} else {
				fmt.Print(drift.String())
			}

			if !drift.InSync {
				return cli.Exit("", 1)
			}

			return nil
		},
	}
}

func selectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "role",
			Usage: "only nodes holding this role (master, worker or storage)",
		},
		&cli.StringSliceFlag{
			Name:  "node",
			Usage: "only these hostnames (repeatable)",
		},
	}
}

// setup loads config and inventory and applies the selection flags.
// Errors here are operator mistakes, exit code 2.
func setup(c *cli.Context) (*config.Config, *inventory.Inventory, []inventory.Node, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, nil, cli.Exit(err.Error(), 2)
	}

	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, nil, nil, cli.Exit(err.Error(), 2)
	}
	logger.SetFormat(cfg.Log.Format)

	inv, err := loadInventory(c, cfg)
	if err != nil {
		return nil, nil, nil, cli.Exit(err.Error(), 2)
	}

	role := inventory.Role("")
	if s := c.String("role"); s != "" {
		role, err = inventory.ParseRole(s)
		if err != nil {
			return nil, nil, nil, cli.Exit(err.Error(), 2)
		}
	}

	nodes, err := inv.Select(role, c.StringSlice("node"))
	if err != nil {
		return nil, nil, nil, cli.Exit(err.Error(), 2)
	}

	return cfg, inv, nodes, nil
}

func loadInventory(c *cli.Context, cfg *config.Config) (*inventory.Inventory, error) {
	switch c.String("source") {
	case "", "file":
		path := c.String("inventory")
		if path == "" {
			return nil, fmt.Errorf("--inventory is required with a file source")
		}

		return inventory.Load(path)
	case "ec2":
		src, err := inventory.NewEC2Source(c.String("region"), cfg.Cluster.Name)
		if err != nil {
			return nil, err
		}

		return src.Discover()
	default:
		return nil, fmt.Errorf("unknown inventory source %q (want file or ec2)", c.String("source"))
	}
}

func buildPlans(reg *step.Registry, cfg *config.Config, nodes []inventory.Node) []*step.Plan {
	plans := make([]*step.Plan, 0, len(nodes))
	for _, n := range nodes {
		plans = append(plans, step.Build(reg, n, runnerFor(cfg, n)))
	}

	return plans
}

func closePlans(plans []*step.Plan) {
	for _, p := range plans {
		if p.Target.Runner != nil {
			p.Target.Runner.Close()
		}
	}
}

// runnerFor picks local execution for the node the tool runs on and
// SSH for everything else.
func runnerFor(cfg *config.Config, n inventory.Node) cmdrunner.Runner {
	if n.IP == "127.0.0.1" || n.HasTag("local") {
		return cmdrunner.NewLocal()
	}

	user := cfg.SSH.User
	if n.SSHUser != "" {
		user = n.SSHUser
	}
	port := cfg.SSH.Port
	if n.SSHPort != 0 {
		port = n.SSHPort
	}

	return cmdrunner.NewSSH(cmdrunner.SSHConfig{
		Host:    n.IP,
		Port:    port,
		User:    user,
		KeyPath: cfg.SSH.KeyPath,
	})
}

// publishEnvToken seeds the keeper from the environment so worker-only
// runs can join without reconverging a master.
func publishEnvToken(cfg *config.Config, inv *inventory.Inventory, keeper *token.Keeper) error {
	raw := os.Getenv(joinTokenEnv)
	if raw == "" {
		return nil
	}

	tok, err := token.FromString(raw, cfg.Join.TokenTTL)
	if err != nil {
		return fmt.Errorf("%s: %w", joinTokenEnv, err)
	}
	tok.DiscoveryHash = os.Getenv(discoveryHashEnv)
	cmdrunner.RegisterSecret(tok.Secret.Reveal())

	endpoint, err := apiEndpoint(cfg, inv)
	if err != nil {
		return err
	}
	keeper.Publish(tok, endpoint)
	shared.LogLevel("info", "using join token %s from the environment", tok.String())

	return nil
}

func apiEndpoint(cfg *config.Config, inv *inventory.Inventory) (string, error) {
	masters := inv.Masters()
	if cfg.Network.AdvertiseIP == "" && len(masters) == 0 {
		return "", fmt.Errorf("cannot derive the API endpoint: no master in the inventory and no network.advertise_ip")
	}

	masterIP := ""
	if len(masters) > 0 {
		masterIP = masters[0].IP
	}

	return cfg.APIEndpoint(masterIP), nil
}

// ensureFleetToken mints a join token on an already-converged master
// when nothing published one during the master phase.
func ensureFleetToken(cfg *config.Config, inv *inventory.Inventory, keeper *token.Keeper) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, ok := keeper.Active(); ok {
			return nil
		}

		masters := inv.Masters()
		if len(masters) == 0 {
			return fmt.Errorf("no master in the inventory to mint a join token on")
		}

		m := masters[0]
		r := runnerFor(cfg, m)
		defer r.Close()

		stepCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Step)
		defer cancel()

		return catalog.EnsureJoinToken(stepCtx, &step.Target{Node: m, Runner: r}, cfg, keeper)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
