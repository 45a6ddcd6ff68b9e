// Package cmd defines and implements the CLI commands for the catalog
// pipeline executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vestiaro/catalog-pipeline/internal/app"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can replace
// it with a fake.
var newApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	return app.New(ctx, cfgPath)
}

// newRootCmd creates and configures the root command. The app container is
// built after flag parsing and before any subcommand runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog-pipeline",
		Short: "Storefront catalog discovery and extraction pipeline.",
		Long: `catalog-pipeline discovers product URLs on brand storefronts, extracts
canonical products and variants through platform adapters, and drives the
run/item state machine that keeps catalogs fresh.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables apply either way)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newProfileCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
