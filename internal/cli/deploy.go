package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/labfoundry/labctl/pkg/engine"
	"github.com/labfoundry/labctl/pkg/registry"
	"github.com/labfoundry/labctl/pkg/spec"
)

func newDeployCmd() *cobra.Command {
	var (
		specFile      string
		failFast      bool
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a lab specification",
		Long: `Deploy a lab environment from a declarative specification.

Resources are provisioned in dependency order, independent resources in
parallel. Re-deploying the same specification is idempotent: resources
that are already ready are skipped.

Examples:
  labctl deploy -f lab.yaml
  labctl deploy -f lab.yaml --fail-fast`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lab, err := spec.Load(specFile)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(backendType, backendConfig)
			if err != nil {
				return err
			}

			// Ctrl-C stops scheduling new tasks; in-flight tasks finish
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app, err := newAppContext(ctx, cfg)
			if err != nil {
				return err
			}
			if failFast {
				app.engine = app.engine.WithFailFast()
			}

			fmt.Printf("Deploying lab %q (%d resources)...\n\n", lab.Name, len(lab.Resources))

			started := time.Now()
			result, err := app.engine.Deploy(ctx, lab)
			if err != nil {
				return fmt.Errorf("deploy failed: %w", err)
			}

			printOutcomes(result.Outcomes)
			fmt.Printf("\nDeployment %s: %s (%v)\n",
				result.DeploymentID, result.Status, time.Since(started).Round(time.Millisecond))

			if result.Status != registry.DeploymentReady {
				return fmt.Errorf("deployment finished with status %s", result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "lab.yaml", "Path to the lab specification")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Abort remaining work after the first failure")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}

func printOutcomes(outcomes map[string]engine.Outcome) {
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		o := outcomes[name]
		switch {
		case o.Skipped:
			fmt.Printf("  - %-24s %s (unchanged)\n", name, o.Status)
		case o.Err != "":
			fmt.Printf("  - %-24s %s: %s\n", name, o.Status, o.Err)
		case o.RetryCount > 0:
			fmt.Printf("  - %-24s %s (%d retries)\n", name, o.Status, o.RetryCount)
		default:
			fmt.Printf("  - %-24s %s\n", name, o.Status)
		}
	}
}
