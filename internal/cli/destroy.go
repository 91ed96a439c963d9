package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/labfoundry/labctl/pkg/registry"
)

func newDestroyCmd() *cobra.Command {
	var (
		autoApprove   bool
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:   "destroy <deployment>",
		Short: "Destroy a deployed lab",
		Long: `Destroy a deployment and all its resources.

Resources are destroyed in reverse dependency order: dependents are
removed before the resources they depend on. Network identifiers claimed
for the deployment are released.

Examples:
  labctl destroy my-lab
  labctl destroy my-lab --auto-approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := loadConfig(backendType, backendConfig)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app, err := newAppContext(ctx, cfg)
			if err != nil {
				return err
			}

			dep, err := app.registry.FindDeploymentByName(ctx, name)
			if err != nil {
				return fmt.Errorf("deployment %q not found: %w", name, err)
			}

			resources, err := app.registry.Query(ctx, registry.Filter{
				DeploymentID:      dep.ID,
				ExcludeTerminated: true,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Deployment: %s\n\n", name)
			fmt.Println("The following resources will be destroyed:")
			fmt.Println()
			for _, res := range resources {
				fmt.Printf("  - %s %q (%s)\n", res.Kind, res.Name, res.Status)
			}
			fmt.Println()
			fmt.Printf("Total: %d resources to destroy\n", len(resources))
			fmt.Println()

			// Confirm unless --auto-approve is provided
			if !autoApprove {
				fmt.Print("Are you sure you want to destroy this deployment? [y/N]: ")
				var response string
				_, _ = fmt.Scanln(&response)
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Println("Destroy cancelled.")
					return nil
				}
			}

			fmt.Println()
			fmt.Printf("Destroying deployment %q...\n\n", name)

			started := time.Now()
			result, err := app.engine.Destroy(ctx, name)
			if err != nil {
				return fmt.Errorf("destroy failed: %w", err)
			}

			printOutcomes(result.Outcomes)

			if result.Status == registry.DeploymentFailed {
				return fmt.Errorf("destroy finished with failures")
			}

			fmt.Printf("\nDeployment destroyed in %v\n", time.Since(started).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip confirmation prompt")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}
