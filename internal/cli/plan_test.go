package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/unitctl/unitctl/pkg/provisioner"
	"github.com/unitctl/unitctl/pkg/state"
)

// cannedProvisioner replies with a fixed plan error for every unit.
type cannedProvisioner struct {
	planErr error
}

func (p *cannedProvisioner) Name() string { return "canned" }

func (p *cannedProvisioner) Plan(ctx context.Context, req provisioner.Request) (*provisioner.PlanResult, error) {
	if p.planErr != nil {
		return nil, p.planErr
	}
	return &provisioner.PlanResult{}, nil
}

func (p *cannedProvisioner) Apply(ctx context.Context, req provisioner.Request) (*provisioner.ApplyResult, error) {
	return &provisioner.ApplyResult{Outputs: state.OutputSet{}}, nil
}

// planTestCmd wires the root's persistent flags onto a standalone plan command
// so it runs against a throwaway catalog, state dir and provisioner.
func planTestCmd(t *testing.T, provName string) *cobra.Command {
	t.Helper()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "module"), 0755); err != nil {
		t.Fatal(err)
	}
	writeCatalogFile(t, dir, "catalog.hcl", `
unit "db" {
  source = "./module"
}
`)

	cmd := newPlanCmd()
	cmd.Flags().StringP("working-dir", "w", dir, "")
	cmd.Flags().String("backend", "local", "")
	cmd.Flags().StringArray("backend-config", []string{"path=" + t.TempDir()}, "")
	cmd.Flags().String("provisioner", provName, "")
	cmd.Flags().IntP("parallelism", "p", 1, "")
	cmd.SetArgs([]string{})
	return cmd
}

func TestPlanCmd_Succeeds(t *testing.T) {
	provisioner.Register("plan-test-ok", func(settings map[string]string) (provisioner.Provisioner, error) {
		return &cannedProvisioner{}, nil
	})

	cmd := planTestCmd(t, "plan-test-ok")
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestPlanCmd_FailedRunExitsNonZero(t *testing.T) {
	provisioner.Register("plan-test-fail", func(settings map[string]string) (provisioner.Provisioner, error) {
		return &cannedProvisioner{planErr: fmt.Errorf("engine rejected the unit")}, nil
	})

	cmd := planTestCmd(t, "plan-test-fail")
	if err := cmd.Execute(); err == nil {
		t.Fatal("plan must return an error when a unit fails")
	}
}
