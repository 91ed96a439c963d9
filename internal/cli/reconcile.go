package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var (
		once          bool
		interval      time.Duration
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile recorded state against platforms",
		Long: `Run the reconciliation loop.

Each pass queries every platform with live resources, marks resources
that disappeared as terminated and resources whose observed state changed
as drifted. Nothing is auto-corrected. Without --once the loop runs until
interrupted.

Examples:
  labctl reconcile --once
  labctl reconcile --interval 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(backendType, backendConfig)
			if err != nil {
				return err
			}
			if interval > 0 {
				cfg.ReconcileInterval = interval
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app, err := newAppContext(ctx, cfg)
			if err != nil {
				return err
			}

			if once {
				if err := app.reconciler.RunOnce(ctx); err != nil {
					return fmt.Errorf("reconciliation failed: %w", err)
				}
				fmt.Println("Reconciliation pass complete.")
				return nil
			}

			fmt.Printf("Reconciling every %v. Press Ctrl-C to stop.\n", cfg.ReconcileInterval)
			if err := app.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single reconciliation pass and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Override the reconciliation interval")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}
