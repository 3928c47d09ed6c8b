package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unitctl/unitctl/pkg/engine"
	"github.com/unitctl/unitctl/pkg/provisioner"
	"github.com/unitctl/unitctl/pkg/state"
	"github.com/unitctl/unitctl/pkg/state/backend"
)

// createStateManager builds the state manager from the global backend flags
// and any viper-provided configuration.
func createStateManager(cmd *cobra.Command) (state.Manager, error) {
	backendType, _ := cmd.Flags().GetString("backend")
	if backendType == "" {
		backendType = viper.GetString("backend")
	}
	if backendType == "" {
		backendType = "local"
	}

	backendConfig, _ := cmd.Flags().GetStringArray("backend-config")
	settings := make(map[string]string)
	for key, value := range viper.GetStringMapString("backend_settings") {
		settings[key] = value
	}
	for _, kv := range backendConfig {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid backend-config %q (expected key=value)", kv)
		}
		settings[parts[0]] = parts[1]
	}

	return state.NewManagerFromConfig(backend.Config{
		Type:     backendType,
		Settings: settings,
	})
}

// createEngine builds a fully wired engine for the invoked command.
func createEngine(cmd *cobra.Command) (*engine.Engine, error) {
	mgr, err := createStateManager(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to create state manager: %w", err)
	}

	provName, _ := cmd.Flags().GetString("provisioner")
	if provName == "" {
		provName = viper.GetString("provisioner")
	}
	if provName == "" {
		provName = "opentofu"
	}

	prov, err := provisioner.Create(provName, viper.GetStringMapString("provisioner_settings"))
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Options{
		States:      mgr,
		Provisioner: prov,
	}), nil
}

func parallelismFlag(cmd *cobra.Command) int {
	p, _ := cmd.Flags().GetInt("parallelism")
	if p <= 0 {
		p = viper.GetInt("parallelism")
	}
	return p
}

func workingDirFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("working-dir")
	if dir == "" {
		dir = "."
	}
	return dir
}
