package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unitctl/unitctl/pkg/engine/runner"
)

func newApplyCmd() *cobra.Command {
	var (
		output      string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "apply [unit...]",
		Short: "Apply a catalog in dependency order",
		Long: `Materializes every unit of the catalog, or only the named units and their
transitive dependencies, in dependency order with bounded concurrency.

Each unit's outputs are persisted to the state backend as it completes, so
dependent units interpolate real values. A failed unit skips everything that
depends on it; independent subtrees keep running.

Examples:
  unitctl apply
  unitctl apply api
  unitctl apply -w ./infra --auto-approve -p 8`,
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

			if !autoApprove {
				count := cat.Store.Len()
				if len(args) > 0 {
					closure, err := cat.Graph.Closure(args)
					if err != nil {
						return err
					}
					count = len(closure)
				}
				if !confirm(fmt.Sprintf("Apply %d unit(s)?", count)) {
					fmt.Println("Apply canceled.")
					return nil
				}
			}

			result, err := eng.Apply(ctx, cat, runner.Options{
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
				return fmt.Errorf("apply finished with failures (run %s)", result.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the confirmation prompt")

	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
