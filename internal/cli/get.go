package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/labfoundry/labctl/pkg/registry"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get resource details",
		Long:  `Commands for listing resources and deployments tracked in the registry.`,
	}

	cmd.AddCommand(newGetResourcesCmd())
	cmd.AddCommand(newGetDeploymentsCmd())

	return cmd
}

func newGetResourcesCmd() *cobra.Command {
	var (
		platformFilter string
		kindFilter     string
		statusFilter   string
		deploymentName string
		outputFormat   string
		backendType    string
		backendConfig  []string
	)

	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"resource", "res"},
		Short:   "List tracked resources",
		Long: `List resources in the registry, optionally filtered.

Examples:
  labctl get resources
  labctl get resources --platform docker --status ready
  labctl get resources --deployment my-lab -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := loadConfig(backendType, backendConfig)
			if err != nil {
				return err
			}
			app, err := newAppContext(ctx, cfg)
			if err != nil {
				return err
			}

			filter := registry.Filter{
				Platform: platformFilter,
				Kind:     registry.ResourceKind(kindFilter),
				Status:   registry.ResourceStatus(statusFilter),
			}
			if deploymentName != "" {
				dep, err := app.registry.FindDeploymentByName(ctx, deploymentName)
				if err != nil {
					return fmt.Errorf("deployment %q not found: %w", deploymentName, err)
				}
				filter.DeploymentID = dep.ID
			}

			resources, err := app.registry.Query(ctx, filter)
			if err != nil {
				return err
			}

			switch outputFormat {
			case "json":
				data, err := json.MarshalIndent(resources, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				fmt.Println(string(data))
			case "yaml":
				data, err := yaml.Marshal(resources)
				if err != nil {
					return fmt.Errorf("failed to marshal YAML: %w", err)
				}
				fmt.Print(string(data))
			default:
				if len(resources) == 0 {
					fmt.Println("No resources found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tKIND\tPLATFORM\tSTATUS\tRECONCILED")
				for _, res := range resources {
					reconciled := "never"
					if res.LastReconciledAt != nil {
						reconciled = res.LastReconciledAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						res.Name, res.Kind, res.Platform, res.Status, reconciled)
				}
				w.Flush()
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&platformFilter, "platform", "", "Filter by platform")
	cmd.Flags().StringVar(&kindFilter, "kind", "", "Filter by kind (vm, network, address_reservation)")
	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status")
	cmd.Flags().StringVar(&deploymentName, "deployment", "", "Filter by deployment name")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}

func newGetDeploymentsCmd() *cobra.Command {
	var (
		outputFormat  string
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deployment", "deps"},
		Short:   "List deployments",
		Long: `List deployments tracked in the registry.

Examples:
  labctl get deployments
  labctl get deployments -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := loadConfig(backendType, backendConfig)
			if err != nil {
				return err
			}
			app, err := newAppContext(ctx, cfg)
			if err != nil {
				return err
			}

			deployments, err := app.registry.ListDeployments(ctx)
			if err != nil {
				return err
			}

			switch outputFormat {
			case "json":
				data, err := json.MarshalIndent(deployments, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				fmt.Println(string(data))
			case "yaml":
				data, err := yaml.Marshal(deployments)
				if err != nil {
					return fmt.Errorf("failed to marshal YAML: %w", err)
				}
				fmt.Print(string(data))
			default:
				if len(deployments) == 0 {
					fmt.Println("No deployments found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tRESOURCES\tCREATED")
				for _, dep := range deployments {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
						dep.Name, dep.Status, len(dep.Resources), dep.CreatedAt.Format(time.RFC3339))
				}
				w.Flush()
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}
