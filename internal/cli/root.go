// Package cli implements the labctl CLI commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Import state backends to register them via init()
	_ "github.com/labfoundry/labctl/pkg/state/backend/azurerm"
	_ "github.com/labfoundry/labctl/pkg/state/backend/gcs"
	_ "github.com/labfoundry/labctl/pkg/state/backend/local"
	_ "github.com/labfoundry/labctl/pkg/state/backend/memory"
	_ "github.com/labfoundry/labctl/pkg/state/backend/s3"

	// Import platform adapters to register them via init()
	_ "github.com/labfoundry/labctl/pkg/platform/docker"
)

var (
	cfgFile string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "Deploy and reconcile lab environments anywhere",
	Long: `labctl is a CLI tool for deploying multi-resource lab environments.

It takes a declarative lab specification, resolves resource dependencies
into an execution plan, provisions resources across virtualization back
ends, and continuously reconciles recorded state against reality.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.labctl/config.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "State backend type (local, s3, gcs, azurerm, memory)")
	rootCmd.PersistentFlags().StringArray("backend-config", nil, "Backend configuration (key=value)")

	// Bind to viper
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.SetEnvPrefix("LABCTL")
	viper.AutomaticEnv()

	// Add subcommands
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newDestroyCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.labctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}
