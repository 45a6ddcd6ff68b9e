// Package scheduler owns the refresh loop: recovering stuck runs, selecting
// due brands, running combined discovery, creating runs, and finalizing them
// with coverage and change bookkeeping on the brand's refresh state.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/adapters"
	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
	"github.com/vestiaro/catalog-pipeline/internal/processor"
	"github.com/vestiaro/catalog-pipeline/internal/sitemap"
)

// Config carries the refresh knobs.
type Config struct {
	Interval       time.Duration
	Jitter         time.Duration
	MaxBrands      int
	MaxRuntime     time.Duration
	MinGap         time.Duration
	DrainOnRun     bool
	AutoRecover    bool
	RecoverMaxRuns int
	RecoverStuck   time.Duration
	FailedLookback time.Duration
	FailedURLLimit int
	DiscoveryLimit int
	EnqueueLimit   int
	SitemapOpts    sitemap.Options
}

// Scheduler drives refresh ticks. It also implements processor.Finalizer so
// run completion flows back into brand refresh state.
type Scheduler struct {
	cfg        Config
	runs       catalog.RunStore
	products   catalog.ProductStore
	brands     catalog.BrandStore
	registry   *adapters.Registry
	sitemaps   *sitemap.Discoverer
	queue      catalog.Queue
	enrichment catalog.EnrichmentQueue
	drainer    *processor.Processor
	clock      catalog.Clock
	ids        catalog.IDGenerator
	logger     *zap.Logger
}

var _ processor.Finalizer = (*Scheduler)(nil)

// New creates a Scheduler. enrichment and drainer may be nil.
func New(
	cfg Config,
	runs catalog.RunStore,
	products catalog.ProductStore,
	brands catalog.BrandStore,
	registry *adapters.Registry,
	sitemaps *sitemap.Discoverer,
	queue catalog.Queue,
	enrichment catalog.EnrichmentQueue,
	drainer *processor.Processor,
	clock catalog.Clock,
	ids catalog.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:        cfg,
		runs:       runs,
		products:   products,
		brands:     brands,
		registry:   registry,
		sitemaps:   sitemaps,
		queue:      queue,
		enrichment: enrichment,
		drainer:    drainer,
		clock:      clock,
		ids:        ids,
		logger:     logger,
	}
}

// SetDrainer installs the processor used for inline draining. The scheduler
// and processor reference each other, so one side is wired after construction.
func (s *Scheduler) SetDrainer(p *processor.Processor) {
	s.drainer = p
}

// TickResult summarizes one scheduler invocation.
type TickResult struct {
	Recovered    int         `json:"recovered"`
	Candidates   int         `json:"candidates"`
	Due          int         `json:"due"`
	Started      int         `json:"started"`
	Skipped      int         `json:"skipped"`
	StartedRuns  []uuid.UUID `json:"started_runs,omitempty"`
	BudgetCutoff bool        `json:"budget_cutoff,omitempty"`
}

// Tick runs one refresh pass. force bypasses the due-date check but not the
// active-run guard.
func (s *Scheduler) Tick(ctx context.Context, force bool) (TickResult, error) {
	var result TickResult
	now := s.clock.Now()
	deadline := now.Add(s.cfg.MaxRuntime)

	if s.cfg.AutoRecover {
		recovered, err := s.recoverStuckRuns(ctx)
		if err != nil {
			s.logger.Error("stuck-run recovery failed", zap.Error(err))
		}
		result.Recovered = recovered
	}

	candidates, err := s.brands.RefreshCandidates(ctx)
	if err != nil {
		return result, fmt.Errorf("list refresh candidates: %w", err)
	}
	result.Candidates = len(candidates)

	due := make([]catalog.Brand, 0, len(candidates))
	for _, brand := range candidates {
		if force || s.isBrandDue(brand, now) {
			due = append(due, brand)
		}
	}
	result.Due = len(due)

	// Shuffle for fairness across ties, then cap per tick.
	rand.Shuffle(len(due), func(i, j int) { due[i], due[j] = due[j], due[i] })
	if s.cfg.MaxBrands > 0 && len(due) > s.cfg.MaxBrands {
		due = due[:s.cfg.MaxBrands]
	}

	for _, brand := range due {
		if s.clock.Now().After(deadline) {
			result.BudgetCutoff = true
			break
		}
		runID, started, err := s.startRun(ctx, brand)
		if err != nil {
			s.logger.Error("refresh start failed",
				zap.String("brand_id", brand.ID.String()),
				zap.String("site", brand.SiteURL),
				zap.Error(err))
			s.recordStartFailure(ctx, brand, err)
			continue
		}
		if !started {
			result.Skipped++
			continue
		}
		result.Started++
		result.StartedRuns = append(result.StartedRuns, runID)
	}

	s.logger.Info("refresh tick finished",
		zap.Int("candidates", result.Candidates),
		zap.Int("due", result.Due),
		zap.Int("started", result.Started),
		zap.Int("skipped", result.Skipped),
		zap.Int("recovered", result.Recovered),
	)
	return result, nil
}

// isBrandDue applies the refresh truth table: explicit next-due wins, then
// interval since last completion, then min-gap since the last start attempt.
// A brand mid-gap after a start that never completed is NOT due; the stuck-run
// sweep owns that case.
func (s *Scheduler) isBrandDue(brand catalog.Brand, now time.Time) bool {
	r := brand.Refresh
	switch {
	case r.NextDueAt != nil:
		return !r.NextDueAt.After(now)
	case r.LastCompletedAt != nil:
		return now.Sub(*r.LastCompletedAt) > s.cfg.Interval
	case r.LastStartedAt != nil:
		return now.Sub(*r.LastStartedAt) > s.cfg.MinGap
	default:
		return true
	}
}

// startRun performs combined discovery and creates a run for one brand.
// Returns started=false when the brand already owns an active run.
func (s *Scheduler) startRun(ctx context.Context, brand catalog.Brand) (uuid.UUID, bool, error) {
	active, err := s.runs.ActiveRunExists(ctx, brand.ID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("check active run: %w", err)
	}
	if active {
		return uuid.Nil, false, nil
	}

	platform := catalog.ParsePlatform(brand.Platform)
	sitemapRefs, adapterRefs, combined := s.discover(ctx, brand, platform)

	now := s.clock.Now()
	failedURLs, err := s.runs.FailedURLs(ctx, brand.ID, now.Add(-s.cfg.FailedLookback), s.cfg.FailedURLLimit)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("list failed urls: %w", err)
	}
	refs := mergeFailedURLs(combined, failedURLs)
	if len(refs) == 0 {
		return uuid.Nil, false, fmt.Errorf("discovery found no product urls for %s", brand.SiteURL)
	}

	run := catalog.Run{
		ID:        s.ids.NewID(),
		BrandID:   brand.ID,
		Platform:  platform,
		Status:    catalog.RunProcessing,
		StartedAt: now,
	}
	created, err := s.runs.CreateRunWithItems(ctx, run, refs)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("create run: %w", err)
	}
	metrics.ObserveRun(string(catalog.RunProcessing))

	coverage, err := s.computeCoverage(ctx, brand.ID, sitemapRefs, adapterRefs, combined)
	if err != nil {
		s.logger.Warn("coverage computation failed",
			zap.String("brand_id", brand.ID.String()), zap.Error(err))
		coverage = nil
	}

	state := brand.Refresh
	state.LastStartedAt = &now
	state.LastStatus = "started"
	state.LastError = ""
	state.Coverage = coverage
	if err := s.brands.SaveRefreshState(ctx, brand.ID, state); err != nil {
		return created.ID, true, fmt.Errorf("save refresh state: %w", err)
	}

	if err := s.enqueueFirstBatch(ctx, created.ID); err != nil {
		s.logger.Warn("initial enqueue failed",
			zap.String("run_id", created.ID.String()), zap.Error(err))
	}

	if s.cfg.DrainOnRun && s.drainer != nil {
		if _, err := s.drainer.DrainRun(ctx, processor.DrainOptions{RunID: created.ID}); err != nil {
			s.logger.Error("inline drain failed",
				zap.String("run_id", created.ID.String()), zap.Error(err))
		}
	}

	s.logger.Info("refresh run started",
		zap.String("brand_id", brand.ID.String()),
		zap.String("run_id", created.ID.String()),
		zap.String("platform", string(platform)),
		zap.Int("items", len(refs)),
	)
	return created.ID, true, nil
}

// discover runs the sitemap and adapter arms, returning both plus their
// URL-deduplicated union. Either arm failing degrades to the other.
func (s *Scheduler) discover(ctx context.Context, brand catalog.Brand, platform catalog.Platform) (sitemapRefs, adapterRefs, combined []catalog.ProductRef) {
	urls, err := s.sitemaps.Discover(ctx, brand.SiteURL, s.cfg.DiscoveryLimit, s.cfg.SitemapOpts)
	if err != nil {
		s.logger.Warn("sitemap discovery failed",
			zap.String("site", brand.SiteURL), zap.Error(err))
	}
	for _, u := range urls {
		sitemapRefs = append(sitemapRefs, catalog.ProductRef{URL: u})
	}

	adapter := s.registry.For(platform, brand.SiteURL)
	if adapter.Platform() != catalog.PlatformGeneric {
		adapterRefs, err = adapter.DiscoverProducts(ctx, s.cfg.DiscoveryLimit)
		if err != nil {
			s.logger.Warn("adapter discovery failed",
				zap.String("site", brand.SiteURL),
				zap.String("platform", string(platform)),
				zap.Error(err))
		}
	}

	seen := make(map[string]bool, len(sitemapRefs)+len(adapterRefs))
	for _, ref := range adapterRefs {
		// Adapter refs first: they carry external IDs the sitemap arm lacks.
		if !seen[ref.URL] {
			seen[ref.URL] = true
			combined = append(combined, ref)
		}
	}
	for _, ref := range sitemapRefs {
		if !seen[ref.URL] {
			seen[ref.URL] = true
			combined = append(combined, ref)
		}
	}
	return sitemapRefs, adapterRefs, combined
}

// computeCoverage matches each ref set against known products. Three
// independent percentages let operators tell an incomplete sitemap apart from
// an incomplete adapter API.
func (s *Scheduler) computeCoverage(ctx context.Context, brandID uuid.UUID, sitemapRefs, adapterRefs, combined []catalog.ProductRef) (*catalog.Coverage, error) {
	cov := &catalog.Coverage{
		SitemapTotal:  len(sitemapRefs),
		AdapterTotal:  len(adapterRefs),
		CombinedTotal: len(combined),
	}
	var err error
	if len(sitemapRefs) > 0 {
		if cov.SitemapMatched, err = s.products.CountKnownRefs(ctx, brandID, sitemapRefs); err != nil {
			return nil, fmt.Errorf("match sitemap refs: %w", err)
		}
	}
	if len(adapterRefs) > 0 {
		if cov.AdapterMatched, err = s.products.CountKnownRefs(ctx, brandID, adapterRefs); err != nil {
			return nil, fmt.Errorf("match adapter refs: %w", err)
		}
	}
	if len(combined) > 0 {
		if cov.CombinedMatched, err = s.products.CountKnownRefs(ctx, brandID, combined); err != nil {
			return nil, fmt.Errorf("match combined refs: %w", err)
		}
	}
	cov.SitemapPct = pct(cov.SitemapMatched, cov.SitemapTotal)
	cov.AdapterPct = pct(cov.AdapterMatched, cov.AdapterTotal)
	cov.CombinedPct = pct(cov.CombinedMatched, cov.CombinedTotal)
	return cov, nil
}

func pct(matched, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// FinalizeRun implements processor.Finalizer: it books run results onto the
// brand's refresh state and hands net-new products to enrichment on a clean
// completion.
func (s *Scheduler) FinalizeRun(ctx context.Context, run catalog.Run) error {
	brand, err := s.brands.GetBrand(ctx, run.BrandID)
	if err != nil {
		return fmt.Errorf("load brand %s: %w", run.BrandID, err)
	}
	now := s.clock.Now()

	newIDs, err := s.products.ProductIDsCreatedSince(ctx, run.BrandID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("list new products: %w", err)
	}
	priceChanges, err := s.products.PriceChangesSince(ctx, run.BrandID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("count price changes: %w", err)
	}
	stockChanges, err := s.products.StockChangesSince(ctx, run.BrandID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("count stock changes: %w", err)
	}

	nextDue := now.Add(s.cfg.Interval + s.jitter())
	state := brand.Refresh
	state.LastCompletedAt = &now
	state.NextDueAt = &nextDue
	state.LastStatus = string(run.Status)
	state.LastError = run.LastError
	state.NewProducts = len(newIDs)
	state.PriceChanges = priceChanges
	state.StockChanges = stockChanges
	if err := s.brands.SaveRefreshState(ctx, run.BrandID, state); err != nil {
		return fmt.Errorf("save refresh state: %w", err)
	}

	if run.Status == catalog.RunCompleted && s.enrichment != nil && len(newIDs) > 0 {
		if err := s.enrichment.EnqueueBrandProducts(ctx, run.BrandID, newIDs); err != nil {
			// Fired, not awaited; enrichment losing a batch must not fail the run.
			s.logger.Warn("enrichment enqueue failed",
				zap.String("brand_id", run.BrandID.String()), zap.Error(err))
		}
	}

	s.logger.Info("run finalized",
		zap.String("run_id", run.ID.String()),
		zap.String("brand_id", run.BrandID.String()),
		zap.Int("new_products", len(newIDs)),
		zap.Int("price_changes", priceChanges),
		zap.Int("stock_changes", stockChanges),
	)
	return nil
}

// jitter draws the next-due spread. Called from FinalizeRun, which runs on
// drain workers and HTTP handlers concurrently, so it must stay lock-free;
// the top-level rand/v2 functions are safe for concurrent use.
func (s *Scheduler) jitter() time.Duration {
	if s.cfg.Jitter <= 0 {
		return 0
	}
	return rand.N(s.cfg.Jitter)
}

// recoverStuckRuns force-resets active runs that stopped making progress,
// bounded per tick to avoid a recovery storm.
func (s *Scheduler) recoverStuckRuns(ctx context.Context) (int, error) {
	now := s.clock.Now()
	stuck, err := s.runs.StuckRuns(ctx, now.Add(-s.cfg.RecoverStuck), s.cfg.RecoverMaxRuns)
	if err != nil {
		return 0, fmt.Errorf("list stuck runs: %w", err)
	}
	recovered := 0
	for _, run := range stuck {
		// A stuck processing run only needs its items reset; paused and blocked
		// runs are reopened first.
		if run.Status != catalog.RunProcessing {
			if err := s.runs.SetRunStatus(ctx, run.ID, catalog.RunProcessing, "", now); err != nil {
				s.logger.Error("stuck-run reset failed",
					zap.String("run_id", run.ID.String()), zap.Error(err))
				continue
			}
		}
		if _, err := s.runs.ResetStaleAndStuck(ctx, run.ID, now, now, now); err != nil {
			s.logger.Error("stuck-run item reset failed",
				zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		if err := s.enqueueFirstBatch(ctx, run.ID); err != nil {
			s.logger.Warn("stuck-run re-enqueue failed",
				zap.String("run_id", run.ID.String()), zap.Error(err))
		}
		recovered++
		s.logger.Info("stuck run recovered", zap.String("run_id", run.ID.String()))
	}
	return recovered, nil
}

func (s *Scheduler) enqueueFirstBatch(ctx context.Context, runID uuid.UUID) error {
	if s.queue == nil || !s.queue.Enabled() {
		return nil
	}
	pending, err := s.runs.PendingItems(ctx, runID, s.cfg.EnqueueLimit)
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
	if err := s.queue.EnqueueItems(ctx, queued); err != nil {
		return fmt.Errorf("enqueue %d items: %w", len(queued), err)
	}
	if err := s.runs.MarkItemsQueued(ctx, ids, s.clock.Now()); err != nil {
		return fmt.Errorf("mark items queued: %w", err)
	}
	return nil
}

// mergeFailedURLs appends previously failed URLs not already present in the
// discovered set; retrying them rides on new runs instead of a side channel.
func mergeFailedURLs(refs []catalog.ProductRef, failedURLs []string) []catalog.ProductRef {
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		seen[ref.URL] = true
	}
	for _, u := range failedURLs {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		refs = append(refs, catalog.ProductRef{URL: u})
	}
	return refs
}

// recordStartFailure books a failed start onto the brand so operators see it
// in the refresh state rather than only in logs.
func (s *Scheduler) recordStartFailure(ctx context.Context, brand catalog.Brand, cause error) {
	now := s.clock.Now()
	state := brand.Refresh
	state.LastStartedAt = &now
	state.LastStatus = "failed"
	state.LastError = cause.Error()
	if err := s.brands.SaveRefreshState(ctx, brand.ID, state); err != nil {
		s.logger.Error("refresh state save failed",
			zap.String("brand_id", brand.ID.String()), zap.Error(err))
	}
}
