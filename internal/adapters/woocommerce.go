package adapters

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/urlutil"
)

const (
	wooStoreAPI = "/wp-json/wc/store/v1/products"
	wooPageSize = 100
	// wooMaxSyntheticVariants bounds the Cartesian product built for "simple"
	// products that declare swatch attributes without true variations.
	wooMaxSyntheticVariants = 100
)

// Patterns for rescuing a numeric product ID out of product page HTML when
// the Store API ref is ID-less.
var wooIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-product_id="(\d+)"`),
	regexp.MustCompile(`"product_id":\s*(\d+)`),
	regexp.MustCompile(`name="add-to-cart"\s+value="(\d+)"`),
}

// WooCommerce uses the public Store API. Price resolution is layered:
// prices.{price,sale_price,regular_price} with minor-unit scaling, then the
// max numeric value inside price_html, then generic HTML scraping.
type WooCommerce struct {
	base     string
	client   *fetch.Client
	fallback *Generic
	logger   *zap.Logger
}

// Platform implements Adapter.
func (w *WooCommerce) Platform() catalog.Platform { return catalog.PlatformWooCommerce }

type wooProduct struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	ShortDescription string `json:"short_description"`
	Permalink        string `json:"permalink"`
	SKU              string `json:"sku"`
	IsInStock        bool   `json:"is_in_stock"`
	PriceHTML        string `json:"price_html"`
	Prices           struct {
		Price             string `json:"price"`
		RegularPrice      string `json:"regular_price"`
		SalePrice         string `json:"sale_price"`
		CurrencyCode      string `json:"currency_code"`
		CurrencyMinorUnit int    `json:"currency_minor_unit"`
	} `json:"prices"`
	Images []struct {
		Src string `json:"src"`
	} `json:"images"`
	Attributes []struct {
		Name  string `json:"name"`
		Terms []struct {
			Name string `json:"name"`
		} `json:"terms"`
	} `json:"attributes"`
	Variations []struct {
		ID         int `json:"id"`
		Attributes []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"attributes"`
	} `json:"variations"`
	Categories []struct {
		Name string `json:"name"`
	} `json:"categories"`
}

// DiscoverProducts paginates the Store API product listing.
func (w *WooCommerce) DiscoverProducts(ctx context.Context, limit int) ([]catalog.ProductRef, error) {
	var refs []catalog.ProductRef
	for page := 1; ; page++ {
		listURL := fmt.Sprintf("%s%s?per_page=%d&page=%d", w.base, wooStoreAPI, wooPageSize, page)
		var products []wooProduct
		status, err := w.client.GetJSON(ctx, listURL, &products)
		if err != nil {
			return refs, err
		}
		if status != 200 || len(products) == 0 {
			break
		}
		for _, p := range products {
			if p.Permalink == "" {
				continue
			}
			refs = append(refs, catalog.ProductRef{
				URL:        p.Permalink,
				ExternalID: strconv.Itoa(p.ID),
			})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
		if len(products) < wooPageSize {
			break
		}
	}
	return refs, nil
}

// FetchProduct resolves the Store API product by ID when known, rescuing an
// embedded ID from the HTML otherwise, and falling back to generic scraping
// as the last resort.
func (w *WooCommerce) FetchProduct(ctx context.Context, ref catalog.ProductRef) (*catalog.RawProduct, error) {
	if ref.ExternalID != "" {
		raw, err := w.fetchByID(ctx, ref, ref.ExternalID)
		if err != nil || raw != nil {
			return raw, err
		}
	}

	res, err := w.client.Get(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	if res.Status == 200 {
		if id := extractWooProductID(res.Body); id != "" {
			raw, err := w.fetchByID(ctx, ref, id)
			if err != nil || raw != nil {
				return raw, err
			}
		}
		return w.fallback.parseProductHTML(ref.URL, res.Body)
	}
	return w.fallback.FetchProduct(ctx, ref)
}

func (w *WooCommerce) fetchByID(ctx context.Context, ref catalog.ProductRef, id string) (*catalog.RawProduct, error) {
	var p wooProduct
	status, err := w.client.GetJSON(ctx, w.base+wooStoreAPI+"/"+id, &p)
	if err != nil {
		return nil, err
	}
	if status != 200 || p.ID == 0 {
		return nil, nil
	}
	return w.normalize(ref, p), nil
}

func (w *WooCommerce) normalize(ref catalog.ProductRef, p wooProduct) *catalog.RawProduct {
	price, compareAt := w.resolvePrice(p)
	currency := p.Prices.CurrencyCode

	sourceURL := p.Permalink
	if sourceURL == "" {
		sourceURL = ref.URL
	}
	raw := &catalog.RawProduct{
		SourceURL:   sourceURL,
		ExternalID:  strconv.Itoa(p.ID),
		Title:       p.Name,
		Description: firstNonEmpty(p.Description, p.ShortDescription),
		Currency:    currency,
		Metadata:    map[string]any{},
	}
	for _, img := range p.Images {
		raw.Images = appendUnique(raw.Images, img.Src)
	}
	if len(p.Categories) > 0 {
		var cats []string
		for _, c := range p.Categories {
			cats = append(cats, c.Name)
		}
		raw.Metadata["categories"] = cats
	}
	for _, attr := range p.Attributes {
		opt := catalog.ProductOption{Name: attr.Name}
		for _, term := range attr.Terms {
			opt.Values = append(opt.Values, term.Name)
		}
		raw.Options = append(raw.Options, opt)
	}

	base := catalog.RawVariant{
		SKU:            p.SKU,
		Price:          price,
		CompareAtPrice: compareAt,
		Currency:       currency,
		Available:      p.IsInStock,
	}

	switch {
	case len(p.Variations) > 0:
		for _, v := range p.Variations {
			variant := base
			variant.ID = strconv.Itoa(v.ID)
			variant.Options = make(map[string]string, len(v.Attributes))
			for _, attr := range v.Attributes {
				variant.Options[attr.Name] = attr.Value
			}
			raw.Variants = append(raw.Variants, variant)
		}
	case len(raw.Options) > 0:
		// Simple product with declared swatch attributes: synthesize the
		// Cartesian product, bounded.
		for _, combo := range cartesian(raw.Options, wooMaxSyntheticVariants) {
			variant := base
			variant.Options = combo
			raw.Variants = append(raw.Variants, variant)
		}
	default:
		raw.Variants = []catalog.RawVariant{base}
	}
	return raw
}

// resolvePrice scales Store API minor-unit strings, preferring price, then
// sale_price, then regular_price, then the max numeric value in price_html.
func (w *WooCommerce) resolvePrice(p wooProduct) (float64, *float64) {
	scale := math.Pow(10, float64(p.Prices.CurrencyMinorUnit))
	parse := func(s string) float64 {
		if s == "" {
			return 0
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return n / scale
	}

	price := parse(p.Prices.Price)
	if price == 0 {
		price = parse(p.Prices.SalePrice)
	}
	regular := parse(p.Prices.RegularPrice)
	if price == 0 {
		price = regular
	}
	if price == 0 && p.PriceHTML != "" {
		if max, ok := urlutil.MaxPrice(p.PriceHTML); ok {
			price = max
		}
	}

	var compareAt *float64
	if regular > 0 && regular != price {
		compareAt = &regular
	}
	return price, compareAt
}

func extractWooProductID(body []byte) string {
	for _, re := range wooIDPatterns {
		if m := re.FindSubmatch(body); len(m) == 2 {
			return string(m[1])
		}
	}
	return ""
}

// cartesian expands declared options into concrete combinations, stopping at
// cap to keep degenerate attribute sets from exploding.
func cartesian(options []catalog.ProductOption, cap int) []map[string]string {
	combos := []map[string]string{{}}
	for _, opt := range options {
		if len(opt.Values) == 0 {
			continue
		}
		var next []map[string]string
		for _, combo := range combos {
			for _, value := range opt.Values {
				grown := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					grown[k] = v
				}
				grown[opt.Name] = value
				next = append(next, grown)
				if len(next) >= cap {
					return next
				}
			}
		}
		combos = next
	}
	if len(combos) == 1 && len(combos[0]) == 0 {
		return nil
	}
	return combos
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
