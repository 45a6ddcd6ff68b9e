// Package adapters implements the per-platform discovery and product-fetch
// strategies behind a uniform interface.
//
// Error policy: adapters never return an error for "no data found"; they
// return (nil, nil) and the processor records a descriptive failure. Network
// and decode errors DO propagate; the processor is the single boundary that
// converts them into item-level failures.
package adapters

import (
	"context"

	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/sitemap"
)

// Adapter is the platform-specific strategy for one brand site.
type Adapter interface {
	// Platform identifies the adapter.
	Platform() catalog.Platform

	// DiscoverProducts lists product refs via the platform's native API.
	// limit == 0 means unbounded.
	DiscoverProducts(ctx context.Context, limit int) ([]catalog.ProductRef, error)

	// FetchProduct retrieves one product. A nil product with nil error means
	// the platform had no data for the ref.
	FetchProduct(ctx context.Context, ref catalog.ProductRef) (*catalog.RawProduct, error)
}

// Registry builds adapters per brand site, defaulting to the generic HTML
// adapter for unknown platforms.
type Registry struct {
	client      *fetch.Client
	sitemaps    *sitemap.Discoverer
	sitemapOpts sitemap.Options
	logger      *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(
	client *fetch.Client,
	sitemaps *sitemap.Discoverer,
	sitemapOpts sitemap.Options,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		client:      client,
		sitemaps:    sitemaps,
		sitemapOpts: sitemapOpts,
		logger:      logger,
	}
}

// For resolves the adapter for a platform and brand base URL. Unrecognized
// platforms always get the generic arm.
func (r *Registry) For(platform catalog.Platform, baseURL string) Adapter {
	generic := &Generic{
		base:        baseURL,
		client:      r.client,
		sitemaps:    r.sitemaps,
		sitemapOpts: r.sitemapOpts,
		logger:      r.logger,
	}
	switch platform {
	case catalog.PlatformShopify:
		return &Shopify{base: baseURL, client: r.client, fallback: generic, logger: r.logger}
	case catalog.PlatformWooCommerce:
		return &WooCommerce{base: baseURL, client: r.client, fallback: generic, logger: r.logger}
	case catalog.PlatformMagento:
		return &Magento{base: baseURL, client: r.client, fallback: generic, logger: r.logger}
	case catalog.PlatformVTEX:
		return &VTEX{base: baseURL, client: r.client, fallback: generic, logger: r.logger}
	default:
		return generic
	}
}
