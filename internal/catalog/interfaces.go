package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStore persists runs and items and implements the claim state machine.
// All cross-worker coordination goes through this interface; the conditional
// claim update is the only source of exclusivity.
type RunStore interface {
	// CreateRunWithItems inserts a run plus one item per deduplicated ref.
	CreateRunWithItems(ctx context.Context, run Run, refs []ProductRef) (Run, error)

	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (Item, error)

	// ActiveRunExists reports whether the brand already owns a non-completed run.
	ActiveRunExists(ctx context.Context, brandID uuid.UUID) (bool, error)

	// ClaimItem atomically flips the item to in_progress if its current status
	// is pending/failed/queued, or in_progress with started_at before
	// stuckCutoff. Returns ErrAlreadyClaimed when another worker won.
	ClaimItem(ctx context.Context, itemID uuid.UUID, now, stuckCutoff time.Time, maxAttempts int) error

	// MarkItemCompleted finalizes a successful item and clears its last error.
	MarkItemCompleted(ctx context.Context, itemID uuid.UUID, stage string, now time.Time) error

	// MarkItemFailed increments attempts and records the error and stage.
	MarkItemFailed(ctx context.Context, itemID uuid.UUID, errText, stage string, now time.Time) error

	// ResetItemPending puts a queued/in_progress item back to pending without
	// touching attempts (run paused out from under the worker).
	ResetItemPending(ctx context.Context, itemID uuid.UUID, now time.Time) error

	// CountRunnable counts items in {pending, queued, in_progress, failed}
	// with attempts below maxAttempts. Zero means the run is drained.
	CountRunnable(ctx context.Context, runID uuid.UUID, maxAttempts int) (int, error)

	// PendingItems returns up to limit pending items for queue refill.
	PendingItems(ctx context.Context, runID uuid.UUID, limit int) ([]Item, error)

	// RunnableItems returns claimable items for drain mode, oldest first.
	RunnableItems(ctx context.Context, runID uuid.UUID, limit, maxAttempts int, stuckCutoff time.Time) ([]Item, error)

	// ResetStaleAndStuck moves queued items older than staleCutoff and
	// in_progress items started before stuckCutoff back to pending.
	ResetStaleAndStuck(ctx context.Context, runID uuid.UUID, staleCutoff, stuckCutoff, now time.Time) (int64, error)

	// MarkItemsQueued flips pending items to queued after a successful enqueue.
	MarkItemsQueued(ctx context.Context, itemIDs []uuid.UUID, now time.Time) error

	// RecordRunSuccess resets consecutive_errors and updates last_url/last_stage.
	RecordRunSuccess(ctx context.Context, runID uuid.UUID, lastURL, lastStage string, now time.Time) error

	// RecordRunFailure increments consecutive_errors and returns the new value.
	RecordRunFailure(ctx context.Context, runID uuid.UUID, lastURL, lastStage, lastError string, now time.Time) (int, error)

	// SetRunStatus transitions the run, recording an optional block reason.
	// Implementations must reject transitions RunStatus.CanTransition forbids.
	SetRunStatus(ctx context.Context, runID uuid.UUID, status RunStatus, blockReason string, now time.Time) error

	// FailedURLs returns distinct URLs of failed items for the brand created
	// within the lookback window, capped at limit. Carried into new runs.
	FailedURLs(ctx context.Context, brandID uuid.UUID, since time.Time, limit int) ([]string, error)

	// StuckRuns returns active runs not updated since cutoff, capped at limit.
	StuckRuns(ctx context.Context, cutoff time.Time, limit int) ([]Run, error)

	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)

	// ItemsForRun returns the run's items in insertion order.
	ItemsForRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]Item, error)
}

// ProductStore persists normalized products/variants and the append-only
// price/stock history the refresh scheduler reads back.
type ProductStore interface {
	// UpsertProduct inserts or updates by (brandID, sourceURL), falling back to
	// (brandID, externalID). Returns the product ID and whether it was created.
	UpsertProduct(ctx context.Context, p Product, now time.Time) (uuid.UUID, bool, error)

	// UpsertVariant inserts or updates by (productID, optionKey). Price and
	// stock values that differ from the stored row are appended to the
	// corresponding history log instead of being silently overwritten.
	UpsertVariant(ctx context.Context, v Variant, now time.Time) error

	// CountKnownRefs reports how many of the refs already map to a product for
	// the brand, matching by URL or external ID. Implementations chunk the
	// lookups to keep IN clauses bounded.
	CountKnownRefs(ctx context.Context, brandID uuid.UUID, refs []ProductRef) (int, error)

	// ProductIDsCreatedSince lists products first seen after the cutoff,
	// used to scope the enrichment handoff to net-new rows.
	ProductIDsCreatedSince(ctx context.Context, brandID uuid.UUID, since time.Time) ([]uuid.UUID, error)

	// PriceChangesSince and StockChangesSince count history rows appended
	// after the cutoff for the brand's variants.
	PriceChangesSince(ctx context.Context, brandID uuid.UUID, since time.Time) (int, error)
	StockChangesSince(ctx context.Context, brandID uuid.UUID, since time.Time) (int, error)
}

// BrandStore reads brands and writes back their catalog_refresh state.
type BrandStore interface {
	GetBrand(ctx context.Context, brandID uuid.UUID) (Brand, error)

	// RefreshCandidates lists active brands with a site URL that are not under
	// manual review. Due-date filtering happens in the scheduler.
	RefreshCandidates(ctx context.Context) ([]Brand, error)

	// SaveRefreshState merges the catalog_refresh sub-object into the brand's
	// metadata column. The struct becomes loose JSON only here.
	SaveRefreshState(ctx context.Context, brandID uuid.UUID, state RefreshState) error
}

// Queue is the bridge to the external at-least-once job queue. Messages can be
// duplicated or lost; the stale/stuck reset logic compensates.
type Queue interface {
	// EnqueueItems publishes one message per item.
	EnqueueItems(ctx context.Context, items []QueuedItem) error
	// Enabled reports whether a real queue is configured.
	Enabled() bool
	Close() error
}

// EnrichmentQueue hands newly discovered products to the enrichment pipeline.
// Fired on clean run completion, never awaited.
type EnrichmentQueue interface {
	EnqueueBrandProducts(ctx context.Context, brandID uuid.UUID, productIDs []uuid.UUID) error
}

// Clock returns the current time (swapped for a fixed clock in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs.
type IDGenerator interface {
	NewID() uuid.UUID
}
