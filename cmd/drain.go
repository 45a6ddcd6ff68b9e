package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/processor"
)

// newDrainCmd creates the 'drain' subcommand, which processes a run's
// remaining items inline without going through the queue.
func newDrainCmd() *cobra.Command {
	var (
		runID       string
		batch       int
		concurrency int
		maxMS       int
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process a run's remaining items inline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := uuid.Parse(runID)
			if err != nil {
				return fmt.Errorf("invalid --run-id: %w", err)
			}
			result, err := a.Processor().DrainRun(cmd.Context(), processor.DrainOptions{
				RunID:       id,
				Batch:       batch,
				Concurrency: concurrency,
				MaxRuntime:  time.Duration(maxMS) * time.Millisecond,
			})
			if err != nil {
				return fmt.Errorf("drain run %s: %w", id, err)
			}
			a.Logger().Info("drain finished",
				zap.String("run_id", id.String()),
				zap.Int("attempted", result.Attempted),
				zap.Int("completed", result.Completed),
				zap.Int("failed", result.Failed),
				zap.Int("skipped", result.Skipped),
				zap.Int64("reset", result.Reset),
				zap.Bool("run_completed", result.RunCompleted),
				zap.Bool("run_paused", result.RunPaused),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to drain (required)")
	cmd.Flags().IntVar(&batch, "batch", 0, "max items to attempt (0 uses the default)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel workers (0 uses the default)")
	cmd.Flags().IntVar(&maxMS, "max-ms", 0, "wall-clock budget in milliseconds (0 uses the default)")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}
