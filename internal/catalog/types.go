// Package catalog defines the core types shared across the discovery-and-extraction pipeline.
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies the e-commerce software a brand storefront runs on.
type Platform string

// Known platforms. Anything unrecognized resolves to PlatformGeneric.
const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformMagento     Platform = "magento"
	PlatformVTEX        Platform = "vtex"
	PlatformGeneric     Platform = "generic"
	PlatformUnknown     Platform = "unknown"
)

// ParsePlatform maps a brand's declared platform string onto a Platform,
// defaulting to generic for empty or unrecognized values.
func ParsePlatform(s string) Platform {
	switch Platform(s) {
	case PlatformShopify, PlatformWooCommerce, PlatformMagento, PlatformVTEX:
		return Platform(s)
	default:
		return PlatformGeneric
	}
}

// RunStatus represents the lifecycle state of a catalog run.
type RunStatus string

// Run status values persisted in catalog_runs.status.
const (
	RunProcessing RunStatus = "processing"
	RunPaused     RunStatus = "paused"
	RunBlocked    RunStatus = "blocked"
	RunStopped    RunStatus = "stopped"
	RunCompleted  RunStatus = "completed"
)

// Active reports whether the run still owns its brand's crawl slot.
// Completed is the only terminal state; paused/blocked/stopped runs are
// dormant but can be recovered.
func (s RunStatus) Active() bool {
	return s != RunCompleted
}

// ItemStatus represents the lifecycle state of a catalog item.
type ItemStatus string

// Item status values persisted in catalog_items.status.
const (
	ItemPending    ItemStatus = "pending"
	ItemQueued     ItemStatus = "queued"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Run is one discovery-and-extraction session for one brand.
type Run struct {
	ID                uuid.UUID
	BrandID           uuid.UUID
	Platform          Platform
	Status            RunStatus
	TotalItems        int
	LastURL           string
	LastStage         string
	LastError         string
	BlockReason       string
	ConsecutiveErrors int
	StartedAt         time.Time
	FinishedAt        *time.Time
	UpdatedAt         time.Time
}

// Item is one discovered product URL within a run; the unit of retry and claim.
type Item struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	URL         string
	ExternalID  string
	Status      ItemStatus
	Attempts    int
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   string
	LastStage   string
	UpdatedAt   time.Time
}

// ProductRef is a lightweight discovered-URL handle prior to a full product fetch.
type ProductRef struct {
	URL        string
	ExternalID string
}

// ProductOption declares a variant axis (e.g. Size: S/M/L).
type ProductOption struct {
	Name   string
	Values []string
}

// RawVariant is a variant as reported by a platform adapter, before normalization.
type RawVariant struct {
	ID             string
	SKU            string
	Options        map[string]string
	Price          float64
	CompareAtPrice *float64
	Currency       string
	Available      bool
	Stock          *int
	Image          string
	Images         []string
}

// RawProduct is the adapter/extractor contract boundary. It is transient and
// never persisted as-is.
type RawProduct struct {
	SourceURL   string
	ExternalID  string
	Title       string
	Description string
	Vendor      string
	Currency    string
	Images      []string
	Options     []ProductOption
	Variants    []RawVariant
	Metadata    map[string]any
}

// Product is the canonical persisted product row, keyed by (brandID, sourceURL)
// with externalID as fallback key.
type Product struct {
	ID            uuid.UUID
	BrandID       uuid.UUID
	SourceURL     string
	ExternalID    string
	Name          string
	Description   string
	Category      string
	Subcategory   string
	Currency      string
	ImageCoverURL string
	Metadata      map[string]any
}

// Variant is a persisted variant row keyed by product + option signature.
type Variant struct {
	ID             uuid.UUID
	ProductID      uuid.UUID
	SKU            string
	OptionKey      string
	Options        map[string]string
	Price          float64
	CompareAtPrice *float64
	Currency       string
	Stock          *int
	StockStatus    string
	Images         []string
	Metadata       map[string]any
}

// Brand is the external collaborator entity the pipeline reads; the pipeline
// only ever writes back the catalog_refresh sub-object of its metadata.
type Brand struct {
	ID           uuid.UUID
	SiteURL      string
	Platform     string
	Active       bool
	ManualReview bool
	Refresh      RefreshState
}

// Coverage reports what fraction of discovered refs already map to known
// products, broken out per discovery source so operators can tell an
// incomplete sitemap apart from an incomplete adapter API.
type Coverage struct {
	SitemapTotal    int     `json:"sitemap_total"`
	SitemapMatched  int     `json:"sitemap_matched"`
	SitemapPct      float64 `json:"sitemap_pct"`
	AdapterTotal    int     `json:"adapter_total"`
	AdapterMatched  int     `json:"adapter_matched"`
	AdapterPct      float64 `json:"adapter_pct"`
	CombinedTotal   int     `json:"combined_total"`
	CombinedMatched int     `json:"combined_matched"`
	CombinedPct     float64 `json:"combined_pct"`
}

// RefreshState is the catalog_refresh sub-object on brand metadata. It is an
// explicit struct everywhere inside the pipeline and only becomes loose JSON
// at the persistence boundary.
type RefreshState struct {
	LastStartedAt   *time.Time `json:"last_started_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	NextDueAt       *time.Time `json:"next_due_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Coverage        *Coverage  `json:"coverage,omitempty"`
	NewProducts     int        `json:"new_products,omitempty"`
	PriceChanges    int        `json:"price_changes,omitempty"`
	StockChanges    int        `json:"stock_changes,omitempty"`
}

// TechProfile is the diagnostic artifact produced by the tech profiler.
type TechProfile struct {
	Platform            Platform      `json:"platform"`
	Confidence          float64       `json:"confidence"`
	Evidence            []Evidence    `json:"evidence"`
	Probes              []ProbeResult `json:"probes"`
	RecommendedStrategy string        `json:"recommended_strategy"`
	Risks               []string      `json:"risks"`
}

// Evidence is a single weighted platform signal.
type Evidence struct {
	Platform Platform `json:"platform"`
	Type     string   `json:"type"`
	Value    string   `json:"value"`
	Weight   float64  `json:"weight"`
}

// ProbeResult records a live API confirmation attempt.
type ProbeResult struct {
	Platform Platform `json:"platform"`
	Request  string   `json:"request"`
	Status   int      `json:"status"`
	Matched  bool     `json:"matched"`
}

// QueuedItem is the payload pushed onto the external job queue per item.
type QueuedItem struct {
	ID  uuid.UUID `json:"item_id"`
	URL string    `json:"url"`
}
