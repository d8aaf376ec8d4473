package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/clusterforge/converge/shared"
)

// version is stamped by the release build through -ldflags.
var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		shared.LogLevel("warn", "received %s, no new steps will start", sig)
		cancel()
	}()

	app := &cli.App{
		Name:                 "converge",
		Usage:                "Converge a small on-prem Kubernetes fleet to its declared state",
		Version:              version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "cluster configuration file",
				EnvVars: []string{"CONVERGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "inventory",
				Aliases: []string{"i"},
				Usage:   "node inventory file",
				EnvVars: []string{"CONVERGE_INVENTORY"},
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "inventory source: file or ec2",
				Value: "file",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region for --source=ec2 (defaults to the SDK's resolution)",
			},
		},
		Commands: []*cli.Command{
			runCommand(ctx),
			planCommand(),
			statusCommand(ctx),
			tokenCommand(ctx),
			inventoryCommand(),
			{
				Name:  "version",
				Usage: "Print the converge version",
				Action: func(c *cli.Context) error {
					fmt.Println(c.App.Version)

					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		// Exit-coded errors are handled inside Run; anything left over
		// is a usage problem from flag parsing.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
