package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clusterforge/converge/pkg/catalog"
	"github.com/clusterforge/converge/pkg/step"
	"github.com/clusterforge/converge/pkg/token"
	"github.com/clusterforge/converge/shared"
)

func tokenCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manage the cluster join token",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Mint a join token offline and print it (stdout only, never logged)",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "token lifetime",
						Value: token.DefaultTTL,
					},
				},
				Action: func(c *cli.Context) error {
					tok, err := token.Generate(c.Duration("ttl"))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}

					fmt.Fprintf(os.Stderr, "token %s expires %s; export it as %s for worker runs\n",
						tok.String(), tok.Expiry.Format(time.RFC3339), joinTokenEnv)
					fmt.Println(tok.Raw())

					return nil
				},
			},
			{
				Name:      "inspect",
				Usage:     "Validate a token's format without touching the cluster",
				ArgsUsage: "[token, defaults to $" + joinTokenEnv + "]",
				Action: func(c *cli.Context) error {
					raw := c.Args().First()
					if raw == "" {
						raw = os.Getenv(joinTokenEnv)
					}
					if raw == "" {
						return cli.Exit("no token given and "+joinTokenEnv+" is empty", 2)
					}

					tok, err := token.FromString(raw, token.DefaultTTL)
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}

					fmt.Printf("token:   %s\n", tok.String())
					fmt.Printf("expires: %s at the latest (default TTL from mint time)\n",
						tok.Expiry.Format(time.RFC3339))

					return nil
				},
			},
			{
				Name:  "rotate",
				Usage: "Mint a fresh token on the control plane, invalidating per-host claims",
				Action: func(c *cli.Context) error {
					cfg, inv, _, err := setup(c)
					if err != nil {
						return err
					}

					masters := inv.Masters()
					if len(masters) == 0 {
						return cli.Exit("no master in the inventory", 2)
					}

					m := masters[0]
					r := runnerFor(cfg, m)
					defer r.Close()

					keeper := token.NewKeeper()
					stepCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Step)
					defer cancel()

					if err := catalog.EnsureJoinToken(stepCtx, &step.Target{Node: m, Runner: r}, cfg, keeper); err != nil {
						return cli.Exit(err.Error(), 1)
					}

					tok, _ := keeper.Active()
					shared.LogLevel("info", "rotated join token on %s, new token is %s", m.Hostname, tok.String())
					fmt.Println(tok.Raw())

					return nil
				},
			},
		},
	}
}
