package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unitctl/unitctl/pkg/graph"
	"github.com/unitctl/unitctl/pkg/schema/unit"
)

func newGraphCmd() *cobra.Command {
	var (
		destroyOrder bool
		output       string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the catalog's dependency graph and execution order",
		Long: `Builds the dependency graph and prints the order units would run in.

Units with no ordering constraint between them keep their declaration order,
so the printed order matches what plan and apply will do.

Examples:
  unitctl graph
  unitctl graph --destroy-order
  unitctl graph -o json`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := unit.NewLoader().Load(workingDirFlag(cmd))
			if err != nil {
				return err
			}

			g, err := graph.Build(store)
			if err != nil {
				return err
			}

			var order []string
			if destroyOrder {
				order, err = g.ReverseOrder()
			} else {
				order, err = g.Order()
			}
			if err != nil {
				return err
			}

			if output == "json" {
				return renderGraphJSON(g, order)
			}

			for i, id := range order {
				deps := g.Dependencies(id)
				if len(deps) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. %s (after %s)\n", i+1, id, strings.Join(deps, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&destroyOrder, "destroy-order", false, "Print the reverse (teardown) order")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")

	return cmd
}

func renderGraphJSON(g *graph.Graph, order []string) error {
	type node struct {
		ID           string   `json:"id"`
		Dependencies []string `json:"dependencies,omitempty"`
	}

	nodes := make([]node, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, node{
			ID:           id,
			Dependencies: g.Dependencies(id),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{"order": nodes})
}
