// Package cli implements the unitctl CLI commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Import state backends to register them via init()
	_ "github.com/unitctl/unitctl/pkg/state/backend/local"
	_ "github.com/unitctl/unitctl/pkg/state/backend/s3"

	// Import provisioners to register them via init()
	_ "github.com/unitctl/unitctl/pkg/provisioner/opentofu"
)

var (
	cfgFile string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "unitctl",
	Short: "Orchestrate declarative infrastructure units",
	Long: `unitctl plans and applies catalogs of declarative infrastructure units.

Units declare their dependencies on each other; unitctl builds the dependency
graph, interpolates input values from dependency outputs, and runs units
concurrently in dependency order.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.unitctl/config.yaml)")
	rootCmd.PersistentFlags().String("backend", "local", "State backend type (local, s3)")
	rootCmd.PersistentFlags().StringArray("backend-config", nil, "Backend configuration (key=value)")
	rootCmd.PersistentFlags().String("provisioner", "opentofu", "Provisioner (opentofu, terraform)")
	rootCmd.PersistentFlags().IntP("parallelism", "p", 0, "Maximum concurrently executing units")
	rootCmd.PersistentFlags().StringP("working-dir", "w", ".", "Unit catalog root directory")

	// Bind to viper
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("provisioner", rootCmd.PersistentFlags().Lookup("provisioner"))
	_ = viper.BindPFlag("parallelism", rootCmd.PersistentFlags().Lookup("parallelism"))
	viper.SetEnvPrefix("UNITCTL")
	viper.AutomaticEnv()

	// Add subcommands
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newGraphCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.unitctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}
