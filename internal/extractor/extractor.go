// Package extractor runs the per-URL pipeline: fetch raw product via the
// platform adapter, normalize into canonical rows, persist with history
// diffing. It knows nothing about runs, items, or queues; stage reporting is
// the only channel back to the caller.
package extractor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/adapters"
	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// Stage names reported through the callback, in pipeline order.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StagePersist   = "persist"
	StageCompleted = "completed"
)

// StageFunc observes pipeline progress. Called as each stage begins and once
// more with StageCompleted on success; the last reported value is the stage
// an error belongs to.
type StageFunc func(stage string)

// Extractor normalizes and persists one product per call.
type Extractor struct {
	registry *adapters.Registry
	products catalog.ProductStore
	logger   *zap.Logger
}

// New creates an Extractor.
func New(registry *adapters.Registry, products catalog.ProductStore, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{registry: registry, products: products, logger: logger}
}

// Extract processes a single product URL for the brand. A page with no
// recognizable product data yields ErrNoProductData at the fetch stage.
func (e *Extractor) Extract(ctx context.Context, brand catalog.Brand, platform catalog.Platform, ref catalog.ProductRef, now time.Time, stage StageFunc) error {
	if stage == nil {
		stage = func(string) {}
	}

	stage(StageFetch)
	adapter := e.registry.For(platform, brand.SiteURL)
	raw, err := adapter.FetchProduct(ctx, ref)
	if err != nil {
		return fmt.Errorf("fetch product %s: %w", ref.URL, err)
	}
	if raw == nil {
		return catalog.ErrNoProductData
	}

	stage(StageNormalize)
	product, variants := Normalize(brand.ID, ref, raw)

	stage(StagePersist)
	productID, created, err := e.products.UpsertProduct(ctx, product, now)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", product.SourceURL, err)
	}
	for i := range variants {
		variants[i].ProductID = productID
		if err := e.products.UpsertVariant(ctx, variants[i], now); err != nil {
			return fmt.Errorf("upsert variant %s of %s: %w", variants[i].OptionKey, product.SourceURL, err)
		}
	}

	e.logger.Debug("product extracted",
		zap.String("url", product.SourceURL),
		zap.Bool("created", created),
		zap.Int("variants", len(variants)),
	)
	stage(StageCompleted)
	return nil
}

// Normalize maps a RawProduct onto canonical Product and Variant rows,
// deduplicating variants by option signature when the adapter supplied no
// stable IDs.
func Normalize(brandID uuid.UUID, ref catalog.ProductRef, raw *catalog.RawProduct) (catalog.Product, []catalog.Variant) {
	product := catalog.Product{
		BrandID:     brandID,
		SourceURL:   firstNonEmpty(raw.SourceURL, ref.URL),
		ExternalID:  firstNonEmpty(raw.ExternalID, ref.ExternalID),
		Name:        strings.TrimSpace(raw.Title),
		Description: strings.TrimSpace(raw.Description),
		Currency:    raw.Currency,
		Metadata:    raw.Metadata,
	}
	if len(raw.Images) > 0 {
		product.ImageCoverURL = raw.Images[0]
	}
	if product.Metadata == nil {
		product.Metadata = map[string]any{}
	}
	if raw.Vendor != "" {
		product.Metadata["vendor"] = raw.Vendor
	}

	seen := make(map[string]bool, len(raw.Variants))
	var variants []catalog.Variant
	for _, rv := range raw.Variants {
		key := optionKey(rv)
		if seen[key] {
			continue
		}
		seen[key] = true

		variant := catalog.Variant{
			SKU:            rv.SKU,
			OptionKey:      key,
			Options:        rv.Options,
			Price:          rv.Price,
			CompareAtPrice: rv.CompareAtPrice,
			Currency:       firstNonEmpty(rv.Currency, raw.Currency),
			Stock:          rv.Stock,
			StockStatus:    stockStatus(rv),
			Images:         rv.Images,
		}
		if variant.Images == nil && rv.Image != "" {
			variant.Images = []string{rv.Image}
		}
		if rv.ID != "" {
			variant.Metadata = map[string]any{"source_variant_id": rv.ID}
		}
		variants = append(variants, variant)
	}
	if product.Currency == "" && len(variants) > 0 {
		product.Currency = variants[0].Currency
	}
	return product, variants
}

// optionKey derives a stable variant identity: the adapter's native ID when
// present, else the sorted option signature, else the SKU.
func optionKey(rv catalog.RawVariant) string {
	if rv.ID != "" {
		return "id:" + rv.ID
	}
	if len(rv.Options) > 0 {
		keys := make([]string, 0, len(rv.Options))
		for k := range rv.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, strings.ToLower(k)+"="+strings.ToLower(rv.Options[k]))
		}
		return strings.Join(parts, "|")
	}
	if rv.SKU != "" {
		return "sku:" + rv.SKU
	}
	return "default"
}

func stockStatus(rv catalog.RawVariant) string {
	if rv.Stock != nil {
		if *rv.Stock > 0 {
			return "in_stock"
		}
		return "out_of_stock"
	}
	if rv.Available {
		return "in_stock"
	}
	return "out_of_stock"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
