package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

func inventoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "inventory",
		Usage: "Inspect the node inventory",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Print the nodes a run would target (--source=ec2 discovers from instance tags)",
				Flags: selectionFlags(),
				Action: func(c *cli.Context) error {
					_, inv, nodes, err := setup(c)
					if err != nil {
						return err
					}

					fmt.Printf("cluster %s, %d node(s):\n", inv.Cluster, len(nodes))
					for _, n := range nodes {
						tags := ""
						if len(n.Tags) > 0 {
							tags = "  [" + strings.Join(n.Tags, ",") + "]"
						}
						fmt.Printf("  %-20s %-15s %s%s\n", n.Hostname, n.IP, n.Role, tags)
					}

					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the inventory for duplicate hosts, bad addresses and unknown roles",
				Action: func(c *cli.Context) error {
					_, inv, _, err := setup(c)
					if err != nil {
						return err
					}

					masters := len(inv.Masters())
					if masters == 0 {
						fmt.Println("warning: inventory has no master node")
					}
					fmt.Printf("inventory ok: %d node(s), %d master(s)\n", len(inv.Nodes), masters)

					return nil
				},
			},
		},
	}
}
