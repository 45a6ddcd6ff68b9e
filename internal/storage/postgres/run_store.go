package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// RunStore implements catalog.RunStore on catalog_runs/catalog_items. The
// conditional claim update is the only cross-worker exclusivity mechanism;
// everything else is plain row updates.
type RunStore struct {
	pool pool
	ids  catalog.IDGenerator
}

var _ catalog.RunStore = (*RunStore)(nil)

// NewRunStore constructs a RunStore from an existing pool.
func NewRunStore(pool pool, ids catalog.IDGenerator) *RunStore {
	return &RunStore{pool: pool, ids: ids}
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const runColumns = `id, brand_id, platform, status, total_items, last_url, last_stage,
	last_error, block_reason, consecutive_errors, started_at, finished_at, updated_at`

const itemColumns = `id, run_id, url, external_id, status, attempts, started_at,
	completed_at, last_error, last_stage, updated_at`

// CreateRunWithItems inserts the run and one pending item per ref in a single
// transaction, deduplicating refs by URL.
func (s *RunStore) CreateRunWithItems(ctx context.Context, run catalog.Run, refs []catalog.ProductRef) (catalog.Run, error) {
	seen := make(map[string]bool, len(refs))
	deduped := make([]catalog.ProductRef, 0, len(refs))
	for _, ref := range refs {
		if ref.URL == "" || seen[ref.URL] {
			continue
		}
		seen[ref.URL] = true
		deduped = append(deduped, ref)
	}
	run.TotalItems = len(deduped)
	if run.Status == "" {
		run.Status = catalog.RunProcessing
	}
	run.UpdatedAt = run.StartedAt

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return catalog.Run{}, fmt.Errorf("begin run transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO catalog_runs
			(id, brand_id, platform, status, total_items, consecutive_errors, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)`,
		run.ID, run.BrandID, run.Platform, run.Status, run.TotalItems, run.StartedAt)
	if err != nil {
		return catalog.Run{}, fmt.Errorf("insert run: %w", err)
	}

	for _, ref := range deduped {
		_, err = tx.Exec(ctx, `
			INSERT INTO catalog_items (id, run_id, url, external_id, status, attempts, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)`,
			s.ids.NewID(), run.ID, ref.URL, ref.ExternalID, catalog.ItemPending, run.StartedAt)
		if err != nil {
			return catalog.Run{}, fmt.Errorf("insert item %s: %w", ref.URL, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return catalog.Run{}, fmt.Errorf("commit run transaction: %w", err)
	}
	return run, nil
}

// GetRun loads one run or catalog.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (catalog.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM catalog_runs WHERE id = $1`, runID)
	return scanRun(row)
}

// GetItem loads one item or catalog.ErrNotFound.
func (s *RunStore) GetItem(ctx context.Context, itemID uuid.UUID) (catalog.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1`, itemID)
	return scanItem(row)
}

// ActiveRunExists reports whether the brand owns a non-completed run.
func (s *RunStore) ActiveRunExists(ctx context.Context, brandID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM catalog_runs WHERE brand_id = $1 AND status <> $2
		)`, brandID, catalog.RunCompleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active run: %w", err)
	}
	return exists, nil
}

// ClaimItem is the concurrency-critical conditional update: the database
// serializes it, so exactly one of N concurrent claimers sees RowsAffected=1.
func (s *RunStore) ClaimItem(ctx context.Context, itemID uuid.UUID, now, stuckCutoff time.Time, maxAttempts int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE catalog_items
		SET status = $2, started_at = $3, updated_at = $3
		WHERE id = $1
		  AND attempts < $5
		  AND (status IN ($6, $7, $8) OR (status = $2 AND started_at < $4))`,
		itemID, catalog.ItemInProgress, now, stuckCutoff, maxAttempts,
		catalog.ItemPending, catalog.ItemFailed, catalog.ItemQueued)
	if err != nil {
		return fmt.Errorf("claim item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrAlreadyClaimed
	}
	return nil
}

// MarkItemCompleted finalizes a successful item. Attempts count successes too;
// they measure processing attempts, not failures.
func (s *RunStore) MarkItemCompleted(ctx context.Context, itemID uuid.UUID, stage string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE catalog_items
		SET status = $2, attempts = attempts + 1, completed_at = $3,
		    last_error = '', last_stage = $4, updated_at = $3
		WHERE id = $1`,
		itemID, catalog.ItemCompleted, now, stage)
	if err != nil {
		return fmt.Errorf("mark item completed: %w", err)
	}
	return nil
}

// MarkItemFailed books one failed attempt.
func (s *RunStore) MarkItemFailed(ctx context.Context, itemID uuid.UUID, errText, stage string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE catalog_items
		SET status = $2, attempts = attempts + 1, last_error = $3, last_stage = $4, updated_at = $5
		WHERE id = $1`,
		itemID, catalog.ItemFailed, errText, stage, now)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return nil
}

// ResetItemPending hands a queued/in_progress item back without spending an
// attempt; used when the run was paused out from under a worker.
func (s *RunStore) ResetItemPending(ctx context.Context, itemID uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE catalog_items
		SET status = $2, started_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)`,
		itemID, catalog.ItemPending, now, catalog.ItemQueued, catalog.ItemInProgress)
	if err != nil {
		return fmt.Errorf("reset item pending: %w", err)
	}
	return nil
}

// CountRunnable is the run-completion truth: zero means done.
func (s *RunStore) CountRunnable(ctx context.Context, runID uuid.UUID, maxAttempts int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM catalog_items
		WHERE run_id = $1 AND attempts < $2 AND status IN ($3, $4, $5, $6)`,
		runID, maxAttempts,
		catalog.ItemPending, catalog.ItemQueued, catalog.ItemInProgress, catalog.ItemFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runnable items: %w", err)
	}
	return count, nil
}

// PendingItems returns the oldest pending items for queue refill.
func (s *RunStore) PendingItems(ctx context.Context, runID uuid.UUID, limit int) ([]catalog.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM catalog_items
		WHERE run_id = $1 AND status = $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		runID, catalog.ItemPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return scanItems(rows)
}

// RunnableItems returns claimable items for drain mode, oldest first.
func (s *RunStore) RunnableItems(ctx context.Context, runID uuid.UUID, limit, maxAttempts int, stuckCutoff time.Time) ([]catalog.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM catalog_items
		WHERE run_id = $1 AND attempts < $2
		  AND (status IN ($4, $5, $6) OR (status = $7 AND started_at < $3))
		ORDER BY updated_at ASC
		LIMIT $8`,
		runID, maxAttempts, stuckCutoff,
		catalog.ItemPending, catalog.ItemQueued, catalog.ItemFailed, catalog.ItemInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable items: %w", err)
	}
	return scanItems(rows)
}

// ResetStaleAndStuck is the at-least-once compensation: queued items whose
// message evidently got lost, and in_progress items whose worker evidently
// died, both go back to pending without spending an attempt.
func (s *RunStore) ResetStaleAndStuck(ctx context.Context, runID uuid.UUID, staleCutoff, stuckCutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE catalog_items
		SET status = $2, started_at = NULL, updated_at = $3
		WHERE run_id = $1
		  AND ((status = $4 AND updated_at < $5) OR (status = $6 AND started_at < $7))`,
		runID, catalog.ItemPending, now,
		catalog.ItemQueued, staleCutoff, catalog.ItemInProgress, stuckCutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale/stuck items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkItemsQueued flips pending items to queued after a successful enqueue.
func (s *RunStore) MarkItemsQueued(ctx context.Context, itemIDs []uuid.UUID, now time.Time) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE catalog_items
		SET status = $2, updated_at = $3
		WHERE id = ANY($1) AND status = $4`,
		itemIDs, catalog.ItemQueued, now, catalog.ItemPending)
	if err != nil {
		return fmt.Errorf("mark items queued: %w", err)
	}
	return nil
}

// RecordRunSuccess resets the consecutive-error streak.
func (s *RunStore) RecordRunSuccess(ctx context.Context, runID uuid.UUID, lastURL, lastStage string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE catalog_runs
		SET consecutive_errors = 0, last_url = $2, last_stage = $3, last_error = '', updated_at = $4
		WHERE id = $1`,
		runID, lastURL, lastStage, now)
	if err != nil {
		return fmt.Errorf("record run success: %w", err)
	}
	return nil
}

// RecordRunFailure increments the streak and returns the new value for the
// auto-pause decision.
func (s *RunStore) RecordRunFailure(ctx context.Context, runID uuid.UUID, lastURL, lastStage, lastError string, now time.Time) (int, error) {
	var consecutive int
	err := s.pool.QueryRow(ctx, `
		UPDATE catalog_runs
		SET consecutive_errors = consecutive_errors + 1,
		    last_url = $2, last_stage = $3, last_error = $4, updated_at = $5
		WHERE id = $1
		RETURNING consecutive_errors`,
		runID, lastURL, lastStage, lastError, now).Scan(&consecutive)
	if err != nil {
		return 0, fmt.Errorf("record run failure: %w", err)
	}
	return consecutive, nil
}

// SetRunStatus transitions the run after validating the edge against the
// current row; the WHERE status guard makes the transition race-safe.
func (s *RunStore) SetRunStatus(ctx context.Context, runID uuid.UUID, status catalog.RunStatus, blockReason string, now time.Time) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.CanTransition(status) {
		return fmt.Errorf("illegal run transition %s -> %s for %s", run.Status, status, runID)
	}

	var finishedAt *time.Time
	if status == catalog.RunCompleted {
		finishedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE catalog_runs
		SET status = $2, block_reason = $3, finished_at = $4, updated_at = $5
		WHERE id = $1 AND status = $6`,
		runID, status, blockReason, finishedAt, now, run.Status)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s changed status concurrently", runID)
	}
	return nil
}

// FailedURLs returns distinct failed-item URLs for the brand within the
// lookback window, newest failures first.
func (s *RunStore) FailedURLs(ctx context.Context, brandID uuid.UUID, since time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT i.url
		FROM catalog_items i
		JOIN catalog_runs r ON r.id = i.run_id
		WHERE r.brand_id = $1 AND i.status = $2 AND i.updated_at >= $3
		LIMIT $4`,
		brandID, catalog.ItemFailed, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan failed url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// StuckRuns returns active runs with no progress since cutoff.
func (s *RunStore) StuckRuns(ctx context.Context, cutoff time.Time, limit int) ([]catalog.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM catalog_runs
		WHERE status IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at ASC
		LIMIT $5`,
		catalog.RunProcessing, catalog.RunPaused, catalog.RunBlocked, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck runs: %w", err)
	}
	defer rows.Close()

	var runs []catalog.Run
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRuns returns runs newest first with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM catalog_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []catalog.Run
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ItemsForRun returns the run's items in insertion order.
func (s *RunStore) ItemsForRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]catalog.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM catalog_items
		WHERE run_id = $1
		ORDER BY updated_at ASC
		LIMIT $2 OFFSET $3`,
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	return scanItems(rows)
}

func scanRun(row pgx.Row) (catalog.Run, error) {
	var run catalog.Run
	err := row.Scan(
		&run.ID, &run.BrandID, &run.Platform, &run.Status, &run.TotalItems,
		&run.LastURL, &run.LastStage, &run.LastError, &run.BlockReason,
		&run.ConsecutiveErrors, &run.StartedAt, &run.FinishedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Run{}, catalog.ErrNotFound
		}
		return catalog.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

func scanRunFromRows(rows pgx.Rows) (catalog.Run, error) {
	var run catalog.Run
	err := rows.Scan(
		&run.ID, &run.BrandID, &run.Platform, &run.Status, &run.TotalItems,
		&run.LastURL, &run.LastStage, &run.LastError, &run.BlockReason,
		&run.ConsecutiveErrors, &run.StartedAt, &run.FinishedAt, &run.UpdatedAt,
	)
	if err != nil {
		return catalog.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

func scanItem(row pgx.Row) (catalog.Item, error) {
	var item catalog.Item
	err := row.Scan(
		&item.ID, &item.RunID, &item.URL, &item.ExternalID, &item.Status,
		&item.Attempts, &item.StartedAt, &item.CompletedAt,
		&item.LastError, &item.LastStage, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Item{}, catalog.ErrNotFound
		}
		return catalog.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return item, nil
}

func scanItems(rows pgx.Rows) ([]catalog.Item, error) {
	defer rows.Close()
	var items []catalog.Item
	for rows.Next() {
		var item catalog.Item
		err := rows.Scan(
			&item.ID, &item.RunID, &item.URL, &item.ExternalID, &item.Status,
			&item.Attempts, &item.StartedAt, &item.CompletedAt,
			&item.LastError, &item.LastStage, &item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
