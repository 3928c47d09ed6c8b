package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/graph"
	"github.com/unitctl/unitctl/pkg/schema/unit"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a unit catalog without running anything",
		Long: `Parses every unit definition, checks declarations, and verifies the
dependency graph is acyclic with no dangling edges.

Examples:
  unitctl validate
  unitctl validate ./infra`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := workingDirFlag(cmd)
			if len(args) > 0 {
				root = args[0]
			}

			store, err := unit.NewLoader().Load(root)
			if err != nil {
				return formatValidationError(err)
			}

			g, err := graph.Build(store)
			if err != nil {
				return formatValidationError(err)
			}
			if _, err := g.Order(); err != nil {
				return formatValidationError(err)
			}

			fmt.Printf("Catalog is valid: %d unit(s).\n", store.Len())
			return nil
		},
	}

	return cmd
}

// formatValidationError extracts and displays validation error details
func formatValidationError(err error) error {
	uerr, ok := errors.AsError(err)
	if !ok {
		return fmt.Errorf("validation failed: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(uerr.Message)
	for key, value := range uerr.Details {
		sb.WriteString(fmt.Sprintf("\n  %s: %v", key, value))
	}
	return fmt.Errorf("validation failed: %s", sb.String())
}
