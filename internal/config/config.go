// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// constructed once at process start and passed explicitly into each component;
// nothing reads the environment at call time.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pipeline PipelineConfig `mapstructure:",squash"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for the job and enrichment queues.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CatalogTopic    string `mapstructure:"catalog_topic"`
	EnrichmentTopic string `mapstructure:"enrichment_topic"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	ProbeTimeoutSeconds int     `mapstructure:"probe_timeout_seconds"`
	UserAgent           string  `mapstructure:"user_agent"`
	PerHostRPS          float64 `mapstructure:"per_host_rps"`
}

// LLMConfig configures the optional profiler escalation model.
type LLMConfig struct {
	Model string `mapstructure:"model"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PipelineConfig holds the catalog pipeline knobs. Keys are flat so the
// environment names stay CATALOG_MAX_ATTEMPTS, CATALOG_REFRESH_MAX_BRANDS and
// so on.
type PipelineConfig struct {
	MaxAttempts                int  `mapstructure:"max_attempts"`
	QueueEnqueueLimit          int  `mapstructure:"queue_enqueue_limit"`
	QueueStaleMinutes          int  `mapstructure:"queue_stale_minutes"`
	ItemStuckMinutes           int  `mapstructure:"item_stuck_minutes"`
	AutoPauseOnErrors          bool `mapstructure:"auto_pause_on_errors"`
	AutoPauseThreshold         int  `mapstructure:"auto_pause_threshold"`
	RefreshIntervalDays        int  `mapstructure:"refresh_interval_days"`
	RefreshJitterHours         int  `mapstructure:"refresh_jitter_hours"`
	RefreshMaxBrands           int  `mapstructure:"refresh_max_brands"`
	RefreshMaxRuntimeMS        int  `mapstructure:"refresh_max_runtime_ms"`
	RefreshMinGapHours         int  `mapstructure:"refresh_min_gap_hours"`
	RefreshDrainOnRun          bool `mapstructure:"refresh_drain_on_run"`
	RefreshAutoRecover         bool `mapstructure:"refresh_auto_recover"`
	RefreshRecoverMaxRuns      int  `mapstructure:"refresh_recover_max_runs"`
	RefreshRecoverStuckMinutes int  `mapstructure:"refresh_recover_stuck_minutes"`
	RefreshFailedLookbackDays  int  `mapstructure:"refresh_failed_lookback_days"`
	RefreshFailedURLLimit      int  `mapstructure:"refresh_failed_url_limit"`
	RefreshDiscoveryLimit      int  `mapstructure:"refresh_discovery_limit"`
	ExtractSitemapBudgetMS     int  `mapstructure:"extract_sitemap_budget_ms"`
	ExtractSitemapScanMaxURLs  int  `mapstructure:"extract_sitemap_scan_max_urls"`
	ExtractSitemapMaxFiles     int  `mapstructure:"extract_sitemap_max_files"`
	PDPLLMEnabled              bool `mapstructure:"pdp_llm_enabled"`
}

// sitemapMaxFilesHardCap bounds the file-count knob regardless of config.
const sitemapMaxFilesHardCap = 1000

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Pipeline.ExtractSitemapMaxFiles > sitemapMaxFilesHardCap {
		cfg.Pipeline.ExtractSitemapMaxFiles = sitemapMaxFilesHardCap
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.probe_timeout_seconds", 8)
	v.SetDefault("http.user_agent", "vestiaro-catalog-bot/1.0 (+https://github.com/vestiaro/catalog-pipeline)")
	v.SetDefault("http.per_host_rps", 0.0)
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("logging.development", false)

	v.SetDefault("max_attempts", 3)
	v.SetDefault("queue_enqueue_limit", 25)
	v.SetDefault("queue_stale_minutes", 30)
	v.SetDefault("item_stuck_minutes", 20)
	// Opt-in circuit breaker; the source systems default this off per
	// environment, so we do too.
	v.SetDefault("auto_pause_on_errors", false)
	v.SetDefault("auto_pause_threshold", 10)
	v.SetDefault("refresh_interval_days", 7)
	v.SetDefault("refresh_jitter_hours", 6)
	v.SetDefault("refresh_max_brands", 10)
	v.SetDefault("refresh_max_runtime_ms", 120000)
	v.SetDefault("refresh_min_gap_hours", 12)
	v.SetDefault("refresh_drain_on_run", false)
	v.SetDefault("refresh_auto_recover", true)
	v.SetDefault("refresh_recover_max_runs", 5)
	v.SetDefault("refresh_recover_stuck_minutes", 120)
	v.SetDefault("refresh_failed_lookback_days", 14)
	v.SetDefault("refresh_failed_url_limit", 200)
	v.SetDefault("refresh_discovery_limit", 500)
	v.SetDefault("extract_sitemap_budget_ms", 12000)
	v.SetDefault("extract_sitemap_scan_max_urls", 20000)
	v.SetDefault("extract_sitemap_max_files", 200)
	v.SetDefault("pdp_llm_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.Pipeline.AutoPauseOnErrors && c.Pipeline.AutoPauseThreshold <= 0 {
		return fmt.Errorf("auto_pause_threshold must be > 0 when auto-pause is enabled")
	}
	if c.Pipeline.ExtractSitemapMaxFiles <= 0 {
		return fmt.Errorf("extract_sitemap_max_files must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Duration helpers so callers never re-derive units from the raw knobs.

// FetchTimeout is the page/API fetch deadline.
func (c HTTPConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ProbeTimeout is the shorter deadline used for helper probes.
func (c HTTPConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// QueueStale is how long a queued item may wait before it is presumed lost.
func (p PipelineConfig) QueueStale() time.Duration {
	return time.Duration(p.QueueStaleMinutes) * time.Minute
}

// ItemStuck is how long an in_progress item may run before reclaim.
func (p PipelineConfig) ItemStuck() time.Duration {
	return time.Duration(p.ItemStuckMinutes) * time.Minute
}

// RefreshInterval is the brand re-crawl cadence.
func (p PipelineConfig) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalDays) * 24 * time.Hour
}

// RefreshJitter is the max random offset added to next_due_at.
func (p PipelineConfig) RefreshJitter() time.Duration {
	return time.Duration(p.RefreshJitterHours) * time.Hour
}

// RefreshMinGap is the floor between consecutive start attempts for a brand
// that has never completed a run.
func (p PipelineConfig) RefreshMinGap() time.Duration {
	return time.Duration(p.RefreshMinGapHours) * time.Hour
}

// RefreshMaxRuntime bounds one scheduler tick.
func (p PipelineConfig) RefreshMaxRuntime() time.Duration {
	return time.Duration(p.RefreshMaxRuntimeMS) * time.Millisecond
}

// RecoverStuck is the no-progress window after which a run is force-reset.
func (p PipelineConfig) RecoverStuck() time.Duration {
	return time.Duration(p.RefreshRecoverStuckMinutes) * time.Minute
}

// FailedLookback is the window for carrying failed URLs into a new run.
func (p PipelineConfig) FailedLookback() time.Duration {
	return time.Duration(p.RefreshFailedLookbackDays) * 24 * time.Hour
}

// SitemapBudget bounds one sitemap discovery walk.
func (p PipelineConfig) SitemapBudget() time.Duration {
	return time.Duration(p.ExtractSitemapBudgetMS) * time.Millisecond
}
