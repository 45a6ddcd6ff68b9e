package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
)

// shopifyPageSize is the documented maximum for /products.json.
const shopifyPageSize = 250

// Shopify uses the public storefront JSON endpoints: /products.json for
// discovery and /products/{handle}.js for cheap, stable product fetches.
type Shopify struct {
	base     string
	client   *fetch.Client
	fallback *Generic
	logger   *zap.Logger
}

// Platform implements Adapter.
func (s *Shopify) Platform() catalog.Platform { return catalog.PlatformShopify }

type shopifyListing struct {
	Products []struct {
		ID     int64  `json:"id"`
		Handle string `json:"handle"`
		Title  string `json:"title"`
	} `json:"products"`
}

type shopifyProduct struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Handle      string `json:"handle"`
	Description string `json:"description"`
	Vendor      string `json:"vendor"`
	Tags        any    `json:"tags"`
	Options     []struct {
		Name   string   `json:"name"`
		Values []string `json:"values"`
	} `json:"options"`
	Images   []string `json:"images"`
	Variants []struct {
		ID             int64    `json:"id"`
		SKU            string   `json:"sku"`
		Title          string   `json:"title"`
		Option1        string   `json:"option1"`
		Option2        string   `json:"option2"`
		Option3        string   `json:"option3"`
		Price          float64  `json:"price"`
		CompareAtPrice *float64 `json:"compare_at_price"`
		Available      bool     `json:"available"`
		FeaturedImage  *struct {
			Src string `json:"src"`
		} `json:"featured_image"`
	} `json:"variants"`
}

// DiscoverProducts paginates /products.json.
func (s *Shopify) DiscoverProducts(ctx context.Context, limit int) ([]catalog.ProductRef, error) {
	var refs []catalog.ProductRef
	for page := 1; ; page++ {
		listURL := fmt.Sprintf("%s/products.json?limit=%d&page=%d", s.base, shopifyPageSize, page)
		var listing shopifyListing
		status, err := s.client.GetJSON(ctx, listURL, &listing)
		if err != nil {
			return refs, err
		}
		if status != 200 || len(listing.Products) == 0 {
			break
		}
		for _, p := range listing.Products {
			if p.Handle == "" {
				continue
			}
			refs = append(refs, catalog.ProductRef{
				URL:        s.base + "/products/" + p.Handle,
				ExternalID: strconv.FormatInt(p.ID, 10),
			})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
		if len(listing.Products) < shopifyPageSize {
			break
		}
	}
	return refs, nil
}

// FetchProduct fetches /products/{handle}.js and falls back to HTML scraping
// when the JSON endpoint is unavailable.
func (s *Shopify) FetchProduct(ctx context.Context, ref catalog.ProductRef) (*catalog.RawProduct, error) {
	handle := shopifyHandle(ref.URL)
	if handle == "" {
		return s.fallback.FetchProduct(ctx, ref)
	}

	var p shopifyProduct
	status, err := s.client.GetJSON(ctx, s.base+"/products/"+handle+".js", &p)
	if err != nil {
		return nil, err
	}
	if status != 200 || p.Title == "" {
		s.logger.Debug("shopify json endpoint unavailable, scraping html",
			zap.String("url", ref.URL), zap.Int("status", status))
		return s.fallback.FetchProduct(ctx, ref)
	}

	raw := &catalog.RawProduct{
		SourceURL:   s.base + "/products/" + p.Handle,
		ExternalID:  strconv.FormatInt(p.ID, 10),
		Title:       p.Title,
		Description: p.Description,
		Vendor:      p.Vendor,
		Metadata:    map[string]any{"handle": p.Handle, "tags": p.Tags},
	}
	for _, img := range p.Images {
		raw.Images = appendUnique(raw.Images, normalizeShopifyImage(img))
	}
	for _, opt := range p.Options {
		raw.Options = append(raw.Options, catalog.ProductOption{Name: opt.Name, Values: opt.Values})
	}
	for _, v := range p.Variants {
		variant := catalog.RawVariant{
			ID:             strconv.FormatInt(v.ID, 10),
			SKU:            v.SKU,
			Options:        s.variantOptions(p, v.Option1, v.Option2, v.Option3),
			Price:          v.Price,
			CompareAtPrice: v.CompareAtPrice,
			Available:      v.Available,
		}
		if v.FeaturedImage != nil {
			variant.Image = normalizeShopifyImage(v.FeaturedImage.Src)
		}
		raw.Variants = append(raw.Variants, variant)
	}
	if len(raw.Variants) == 0 {
		return nil, nil
	}
	return raw, nil
}

// variantOptions pairs option1..3 with the declared option names, defaulting
// to positional names when the product declares none.
func (s *Shopify) variantOptions(p shopifyProduct, values ...string) map[string]string {
	opts := make(map[string]string)
	for i, value := range values {
		if value == "" {
			continue
		}
		name := fmt.Sprintf("option%d", i+1)
		if i < len(p.Options) && p.Options[i].Name != "" {
			name = p.Options[i].Name
		}
		opts[name] = value
	}
	return opts
}

func shopifyHandle(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "products" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// normalizeShopifyImage upgrades protocol-relative CDN URLs.
func normalizeShopifyImage(src string) string {
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	return src
}
