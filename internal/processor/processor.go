// Package processor drives the item state machine: claim, extract, record,
// complete-or-refill. It is the single boundary that converts extractor and
// adapter errors into item-level failures; nothing below it mutates run or
// item state and nothing above it sees an exception.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/extractor"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
)

// Outcome statuses returned to the queue-worker caller. The endpoint always
// answers with one of these, never an error payload, so a worker crash is the
// only way an item can strand in in_progress.
const (
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusRunNotProcessing    = "run_not_processing"
	StatusAlreadyCompleted    = "already_completed"
	StatusMaxAttempts         = "max_attempts"
	StatusInProgressElsewhere = "in_progress_elsewhere"
	StatusAlreadyClaimed      = "already_claimed"
)

// Config carries the state-machine knobs.
type Config struct {
	MaxAttempts        int
	EnqueueLimit       int
	QueueStale         time.Duration
	ItemStuck          time.Duration
	AutoPauseOnErrors  bool
	AutoPauseThreshold int
}

// Finalizer is notified when a run reaches completed. The refresh scheduler
// implements it; a nil finalizer is skipped.
type Finalizer interface {
	FinalizeRun(ctx context.Context, run catalog.Run) error
}

// Outcome is the structured result for one processing attempt.
type Outcome struct {
	ItemID       uuid.UUID `json:"item_id"`
	RunID        uuid.UUID `json:"run_id,omitempty"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	RunCompleted bool      `json:"run_completed,omitempty"`
	RunPaused    bool      `json:"run_paused,omitempty"`
}

// Processor executes one item at a time against the stores.
type Processor struct {
	cfg       Config
	runs      catalog.RunStore
	brands    catalog.BrandStore
	extractor *extractor.Extractor
	queue     catalog.Queue
	finalizer Finalizer
	clock     catalog.Clock
	logger    *zap.Logger
}

// New creates a Processor. finalizer may be nil.
func New(
	cfg Config,
	runs catalog.RunStore,
	brands catalog.BrandStore,
	ext *extractor.Extractor,
	queue catalog.Queue,
	finalizer Finalizer,
	clock catalog.Clock,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		runs:      runs,
		brands:    brands,
		extractor: ext,
		queue:     queue,
		finalizer: finalizer,
		clock:     clock,
		logger:    logger,
	}
}

// ProcessItem runs the full state machine for one item. The returned error is
// reserved for infrastructure failures (store unreachable); every pipeline
// condition maps onto an Outcome status instead.
func (p *Processor) ProcessItem(ctx context.Context, itemID uuid.UUID, allowRefill bool) (Outcome, error) {
	out := Outcome{ItemID: itemID}

	item, err := p.runs.GetItem(ctx, itemID)
	if err != nil {
		return out, fmt.Errorf("load item %s: %w", itemID, err)
	}
	out.RunID = item.RunID
	out.Attempts = item.Attempts

	run, err := p.runs.GetRun(ctx, item.RunID)
	if err != nil {
		return out, fmt.Errorf("load run %s: %w", item.RunID, err)
	}

	now := p.clock.Now()

	// A paused/stopped/blocked run invalidates any in-flight claim on its
	// items; hand them back so a recovery sweep can requeue them.
	if run.Status != catalog.RunProcessing {
		if item.Status == catalog.ItemQueued || item.Status == catalog.ItemInProgress {
			if err := p.runs.ResetItemPending(ctx, itemID, now); err != nil {
				return out, fmt.Errorf("reset item %s: %w", itemID, err)
			}
		}
		out.Status = StatusRunNotProcessing
		return out, nil
	}

	if item.Status == catalog.ItemCompleted {
		out.Status = StatusAlreadyCompleted
		return out, nil
	}
	if item.Attempts >= p.cfg.MaxAttempts {
		out.Status = StatusMaxAttempts
		return out, nil
	}

	stuckCutoff := now.Add(-p.cfg.ItemStuck)
	if item.Status == catalog.ItemInProgress && item.StartedAt != nil && item.StartedAt.After(stuckCutoff) {
		out.Status = StatusInProgressElsewhere
		return out, nil
	}

	if err := p.runs.ClaimItem(ctx, itemID, now, stuckCutoff, p.cfg.MaxAttempts); err != nil {
		if errors.Is(err, catalog.ErrAlreadyClaimed) {
			out.Status = StatusAlreadyClaimed
			return out, nil
		}
		return out, fmt.Errorf("claim item %s: %w", itemID, err)
	}

	brand, err := p.brands.GetBrand(ctx, run.BrandID)
	if err != nil {
		return out, fmt.Errorf("load brand %s: %w", run.BrandID, err)
	}

	stage := extractor.StageFetch
	ref := catalog.ProductRef{URL: item.URL, ExternalID: item.ExternalID}
	extractErr := p.extractor.Extract(ctx, brand, run.Platform, ref, p.clock.Now(),
		func(s string) { stage = s })

	if extractErr != nil {
		return p.recordFailure(ctx, run, item, stage, extractErr, allowRefill, out)
	}
	return p.recordSuccess(ctx, run, item, allowRefill, out)
}

func (p *Processor) recordSuccess(ctx context.Context, run catalog.Run, item catalog.Item, allowRefill bool, out Outcome) (Outcome, error) {
	now := p.clock.Now()
	if err := p.runs.MarkItemCompleted(ctx, item.ID, extractor.StageCompleted, now); err != nil {
		return out, fmt.Errorf("mark item completed %s: %w", item.ID, err)
	}
	if err := p.runs.RecordRunSuccess(ctx, run.ID, item.URL, extractor.StageCompleted, now); err != nil {
		return out, fmt.Errorf("record run success %s: %w", run.ID, err)
	}
	metrics.ObserveItem(StatusCompleted)

	out.Status = StatusCompleted
	out.Stage = extractor.StageCompleted
	out.Attempts = item.Attempts + 1
	return p.completeOrRefill(ctx, run, allowRefill, out)
}

func (p *Processor) recordFailure(ctx context.Context, run catalog.Run, item catalog.Item, stage string, extractErr error, allowRefill bool, out Outcome) (Outcome, error) {
	now := p.clock.Now()
	errText := truncateError(extractErr.Error())

	if err := p.runs.MarkItemFailed(ctx, item.ID, errText, stage, now); err != nil {
		return out, fmt.Errorf("mark item failed %s: %w", item.ID, err)
	}
	consecutive, err := p.runs.RecordRunFailure(ctx, run.ID, item.URL, stage, errText, now)
	if err != nil {
		return out, fmt.Errorf("record run failure %s: %w", run.ID, err)
	}
	metrics.ObserveItem(StatusFailed)

	out.Status = StatusFailed
	out.Stage = stage
	out.Error = errText
	out.Attempts = item.Attempts + 1

	p.logger.Warn("item failed",
		zap.String("item_id", item.ID.String()),
		zap.String("url", item.URL),
		zap.String("stage", stage),
		zap.Int("consecutive_errors", consecutive),
		zap.Error(extractErr),
	)

	if p.cfg.AutoPauseOnErrors && consecutive >= p.cfg.AutoPauseThreshold {
		reason := fmt.Sprintf("consecutive_errors:%d", consecutive)
		if err := p.runs.SetRunStatus(ctx, run.ID, catalog.RunPaused, reason, now); err != nil {
			return out, fmt.Errorf("pause run %s: %w", run.ID, err)
		}
		metrics.ObserveRun(string(catalog.RunPaused))
		out.RunPaused = true
		return out, nil
	}
	return p.completeOrRefill(ctx, run, allowRefill, out)
}

// completeOrRefill recomputes the runnable count after every processed item;
// zero runnable items is the one and only trigger for run completion.
func (p *Processor) completeOrRefill(ctx context.Context, run catalog.Run, allowRefill bool, out Outcome) (Outcome, error) {
	runnable, err := p.runs.CountRunnable(ctx, run.ID, p.cfg.MaxAttempts)
	if err != nil {
		return out, fmt.Errorf("count runnable for run %s: %w", run.ID, err)
	}
	now := p.clock.Now()

	if runnable == 0 {
		if err := p.runs.SetRunStatus(ctx, run.ID, catalog.RunCompleted, "", now); err != nil {
			return out, fmt.Errorf("complete run %s: %w", run.ID, err)
		}
		metrics.ObserveRun(string(catalog.RunCompleted))
		out.RunCompleted = true
		if p.finalizer != nil {
			completed, err := p.runs.GetRun(ctx, run.ID)
			if err != nil {
				completed = run
				completed.Status = catalog.RunCompleted
			}
			if err := p.finalizer.FinalizeRun(ctx, completed); err != nil {
				// Finalization is bookkeeping on top of an already-completed
				// run; failing the item over it would waste a retry.
				p.logger.Error("run finalization failed",
					zap.String("run_id", run.ID.String()), zap.Error(err))
			}
		}
		return out, nil
	}

	if allowRefill && p.queue != nil && p.queue.Enabled() {
		if err := p.refillQueue(ctx, run.ID, now); err != nil {
			p.logger.Warn("queue refill failed",
				zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}
	return out, nil
}

func (p *Processor) refillQueue(ctx context.Context, runID uuid.UUID, now time.Time) error {
	pending, err := p.runs.PendingItems(ctx, runID, p.cfg.EnqueueLimit)
	if err != nil {
		return fmt.Errorf("list pending items: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	queued := make([]catalog.QueuedItem, 0, len(pending))
	ids := make([]uuid.UUID, 0, len(pending))
	for _, item := range pending {
		queued = append(queued, catalog.QueuedItem{ID: item.ID, URL: item.URL})
		ids = append(ids, item.ID)
	}
	if err := p.queue.EnqueueItems(ctx, queued); err != nil {
		return fmt.Errorf("enqueue %d items: %w", len(queued), err)
	}
	if err := p.runs.MarkItemsQueued(ctx, ids, now); err != nil {
		return fmt.Errorf("mark items queued: %w", err)
	}
	return nil
}

// Item lastError columns are bounded; keep the useful prefix.
func truncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
