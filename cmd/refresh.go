package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRefreshCmd creates the 'refresh' subcommand, which runs one scheduler
// tick and exits. It is meant to be invoked on a cron cadence.
func newRefreshCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh scheduler tick",
		Long: `Selects due brands, discovers their product URLs, creates runs, and
enqueues the first batch of items. With --force, every refresh candidate is
treated as due; brands with an active run are still skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.Scheduler().Tick(cmd.Context(), force)
			if err != nil {
				return fmt.Errorf("refresh tick: %w", err)
			}
			a.Logger().Info("refresh tick finished",
				zap.Int("recovered", result.Recovered),
				zap.Int("candidates", result.Candidates),
				zap.Int("due", result.Due),
				zap.Int("started", result.Started),
				zap.Int("skipped", result.Skipped),
				zap.Bool("budget_cutoff", result.BudgetCutoff),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "treat all refresh candidates as due")
	return cmd
}
