package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vestiaro/catalog-pipeline/internal/metrics"
)

// DrainOptions bound one synchronous drain of a run.
type DrainOptions struct {
	RunID       uuid.UUID
	Batch       int
	Concurrency int
	MaxRuntime  time.Duration
}

// DrainResult summarizes a drain invocation.
type DrainResult struct {
	Attempted    int   `json:"attempted"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	Skipped      int   `json:"skipped"`
	Reset        int64 `json:"reset"`
	RunCompleted bool  `json:"run_completed"`
	RunPaused    bool  `json:"run_paused"`
}

const (
	defaultDrainBatch       = 50
	defaultDrainConcurrency = 4
	defaultDrainRuntime     = 2 * time.Minute
	// Two consecutive rounds with zero progress means everything left is
	// exhausted or owned elsewhere; spinning further cannot help.
	drainIdleRoundLimit = 2
)

// DrainRun processes runnable items in bounded rounds without touching the
// external queue. Used by the drain CLI and by refresh ticks configured to
// drain inline.
func (p *Processor) DrainRun(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	if opts.Batch <= 0 {
		opts.Batch = defaultDrainBatch
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultDrainConcurrency
	}
	if opts.MaxRuntime <= 0 {
		opts.MaxRuntime = defaultDrainRuntime
	}

	deadline := p.clock.Now().Add(opts.MaxRuntime)
	var result DrainResult
	idleRounds := 0

	for result.Attempted < opts.Batch && idleRounds < drainIdleRoundLimit {
		if p.clock.Now().After(deadline) {
			break
		}
		now := p.clock.Now()
		staleCutoff := now.Add(-p.cfg.QueueStale)
		stuckCutoff := now.Add(-p.cfg.ItemStuck)

		reset, err := p.runs.ResetStaleAndStuck(ctx, opts.RunID, staleCutoff, stuckCutoff, now)
		if err != nil {
			return result, fmt.Errorf("reset stale/stuck for run %s: %w", opts.RunID, err)
		}
		result.Reset += reset

		want := opts.Concurrency
		if remaining := opts.Batch - result.Attempted; remaining < want {
			want = remaining
		}
		items, err := p.runs.RunnableItems(ctx, opts.RunID, want, p.cfg.MaxAttempts, stuckCutoff)
		if err != nil {
			return result, fmt.Errorf("select runnable items for run %s: %w", opts.RunID, err)
		}
		if len(items) == 0 {
			idleRounds++
			continue
		}

		outcomes := make([]Outcome, len(items))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for i, item := range items {
			metrics.IncDrainWorkers()
			g.Go(func() error {
				defer metrics.DecDrainWorkers()
				out, err := p.ProcessItem(gctx, item.ID, false)
				if err != nil {
					return err
				}
				outcomes[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}

		progressed := 0
		for _, out := range outcomes {
			result.Attempted++
			switch out.Status {
			case StatusCompleted:
				result.Completed++
				progressed++
			case StatusFailed:
				result.Failed++
				progressed++
			default:
				result.Skipped++
			}
			if out.RunCompleted {
				result.RunCompleted = true
			}
			if out.RunPaused {
				result.RunPaused = true
			}
		}
		if result.RunCompleted || result.RunPaused {
			break
		}
		if progressed == 0 {
			idleRounds++
		} else {
			idleRounds = 0
		}
	}

	p.logger.Info("drain finished",
		zap.String("run_id", opts.RunID.String()),
		zap.Int("attempted", result.Attempted),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Bool("run_completed", result.RunCompleted),
	)
	return result, nil
}
