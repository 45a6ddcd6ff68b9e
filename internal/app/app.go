// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/vestiaro/catalog-pipeline/internal/adapters"
	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/clock/system"
	"github.com/vestiaro/catalog-pipeline/internal/config"
	"github.com/vestiaro/catalog-pipeline/internal/extractor"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	idgen "github.com/vestiaro/catalog-pipeline/internal/id/uuid"
	"github.com/vestiaro/catalog-pipeline/internal/logging"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
	"github.com/vestiaro/catalog-pipeline/internal/processor"
	"github.com/vestiaro/catalog-pipeline/internal/queue"
	"github.com/vestiaro/catalog-pipeline/internal/scheduler"
	"github.com/vestiaro/catalog-pipeline/internal/sitemap"
	"github.com/vestiaro/catalog-pipeline/internal/storage/postgres"
	"github.com/vestiaro/catalog-pipeline/internal/techprofile"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *pgxpool.Pool
	runs      catalog.RunStore
	products  catalog.ProductStore
	brands    catalog.BrandStore
	queue     catalog.Queue
	processor *processor.Processor
	scheduler *scheduler.Scheduler
	profiler  *techprofile.Profiler
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Runs returns the run/item store.
func (a *App) Runs() catalog.RunStore { return a.runs }

// Products returns the product store.
func (a *App) Products() catalog.ProductStore { return a.products }

// Brands returns the brand store.
func (a *App) Brands() catalog.BrandStore { return a.brands }

// Processor returns the item processor.
func (a *App) Processor() *processor.Processor { return a.processor }

// Scheduler returns the refresh scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Profiler returns the tech profiler.
func (a *App) Profiler() *techprofile.Profiler { return a.profiler }

// New creates and initializes an App from configuration. It is the central
// point for service initialization and fails fast when a critical dependency
// cannot be reached.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	ids := idgen.New()
	clk := system.New()
	runs := postgres.NewRunStore(pool, ids)
	products := postgres.NewProductStore(pool, ids)
	brands := postgres.NewBrandStore(pool)

	client := fetch.New(fetch.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTP.FetchTimeout(),
		ProbeTimeout: cfg.HTTP.ProbeTimeout(),
		PerHostRPS:   cfg.HTTP.PerHostRPS,
	}, logger)

	sitemaps := sitemap.NewDiscoverer(client, logger)
	sitemapOpts := sitemap.Options{
		ProductAware: true,
		Budget:       cfg.Pipeline.SitemapBudget(),
		MaxFiles:     cfg.Pipeline.ExtractSitemapMaxFiles,
		MaxScanURLs:  cfg.Pipeline.ExtractSitemapScanMaxURLs,
	}
	registry := adapters.NewRegistry(client, sitemaps, sitemapOpts, logger)

	var classifier techprofile.Classifier
	if cfg.Pipeline.PDPLLMEnabled {
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			logger.Warn("pdp_llm_enabled is set but GEMINI_API_KEY is empty; profiler escalation disabled")
		} else {
			genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  apiKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, fmt.Errorf("init genai client: %w", err)
			}
			classifier = techprofile.NewLLMClassifier(genaiClient, cfg.LLM.Model)
		}
	}
	profiler := techprofile.New(client, classifier, logger)

	var itemQueue catalog.Queue
	var enrichment catalog.EnrichmentQueue
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.CatalogTopic != "" {
		logger.Info("using Pub/Sub queue",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.CatalogTopic),
		)
		ps, err := queue.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.CatalogTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("init pubsub queue: %w", err)
		}
		itemQueue = ps
		if cfg.PubSub.EnrichmentTopic != "" {
			enrichment = queue.NewPubSubEnrichment(ps.Client(), cfg.PubSub.EnrichmentTopic, logger)
		} else {
			enrichment = queue.NewNoOpEnrichment()
		}
	} else {
		logger.Info("no Pub/Sub project configured; queue disabled, drain is the only execution path")
		itemQueue = queue.NewNoOp()
		enrichment = queue.NewNoOpEnrichment()
	}

	ext := extractor.New(registry, products, logger)

	sched := scheduler.New(
		scheduler.Config{
			Interval:       cfg.Pipeline.RefreshInterval(),
			Jitter:         cfg.Pipeline.RefreshJitter(),
			MaxBrands:      cfg.Pipeline.RefreshMaxBrands,
			MaxRuntime:     cfg.Pipeline.RefreshMaxRuntime(),
			MinGap:         cfg.Pipeline.RefreshMinGap(),
			DrainOnRun:     cfg.Pipeline.RefreshDrainOnRun,
			AutoRecover:    cfg.Pipeline.RefreshAutoRecover,
			RecoverMaxRuns: cfg.Pipeline.RefreshRecoverMaxRuns,
			RecoverStuck:   cfg.Pipeline.RecoverStuck(),
			FailedLookback: cfg.Pipeline.FailedLookback(),
			FailedURLLimit: cfg.Pipeline.RefreshFailedURLLimit,
			DiscoveryLimit: cfg.Pipeline.RefreshDiscoveryLimit,
			EnqueueLimit:   cfg.Pipeline.QueueEnqueueLimit,
			SitemapOpts:    sitemapOpts,
		},
		runs, products, brands, registry, sitemaps,
		itemQueue, enrichment,
		nil, // drainer wired below
		clk, ids, logger,
	)

	proc := processor.New(
		processor.Config{
			MaxAttempts:        cfg.Pipeline.MaxAttempts,
			EnqueueLimit:       cfg.Pipeline.QueueEnqueueLimit,
			QueueStale:         cfg.Pipeline.QueueStale(),
			ItemStuck:          cfg.Pipeline.ItemStuck(),
			AutoPauseOnErrors:  cfg.Pipeline.AutoPauseOnErrors,
			AutoPauseThreshold: cfg.Pipeline.AutoPauseThreshold,
		},
		runs, brands, ext, itemQueue, sched, clk, logger,
	)
	sched.SetDrainer(proc)

	return &App{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		runs:      runs,
		products:  products,
		brands:    brands,
		queue:     itemQueue,
		processor: proc,
		scheduler: sched,
		profiler:  profiler,
	}, nil
}

// Close shuts services down gracefully, flushing the queue before the pool.
func (a *App) Close() {
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("queue close failed", zap.Error(err))
	}
	a.pool.Close()
	// Sync can fail on stderr; nothing actionable.
	_ = a.logger.Sync()
}
