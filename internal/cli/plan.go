package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unitctl/unitctl/pkg/engine/runner"
)

func newPlanCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plan [unit...]",
		Short: "Preview the changes a catalog would make",
		Long: `Builds the catalog's dependency graph and previews every unit in
dependency order without applying anything.

Dependencies that have never been applied contribute their declared
mock_outputs to dependent units' input interpolation, so the whole catalog can
be previewed before anything exists.

Examples:
  unitctl plan
  unitctl plan database api
  unitctl plan -w ./infra -o json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := createEngine(cmd)
			if err != nil {
				return err
			}

			cat, err := eng.Load(workingDirFlag(cmd))
			if err != nil {
				return err
			}

			result, err := eng.Plan(ctx, cat, runner.Options{
				Parallelism: parallelismFlag(cmd),
				Targets:     args,
				Stderr:      os.Stderr,
			})
			if err != nil {
				return err
			}

			if renderErr := renderRunResult(os.Stdout, result, cat, output); renderErr != nil {
				return renderErr
			}

			if result.Failed() {
				return fmt.Errorf("plan finished with failures (run %s)", result.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	return cmd
}
