package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/sitemap"
	"github.com/vestiaro/catalog-pipeline/internal/urlutil"
)

// Generic scrapes product pages without platform knowledge: JSON-LD Product
// blocks first, Open Graph meta second, heuristic DOM extraction last. It is
// the default for unknown platforms and the failure fallback for every other
// adapter.
type Generic struct {
	base        string
	client      *fetch.Client
	sitemaps    *sitemap.Discoverer
	sitemapOpts sitemap.Options
	logger      *zap.Logger
}

// Platform implements Adapter.
func (g *Generic) Platform() catalog.Platform { return catalog.PlatformGeneric }

// DiscoverProducts walks the site's sitemaps in product-aware mode. There is
// no platform API to paginate.
func (g *Generic) DiscoverProducts(ctx context.Context, limit int) ([]catalog.ProductRef, error) {
	urls, err := g.sitemaps.Discover(ctx, g.base, limit, g.sitemapOpts)
	if err != nil {
		return nil, fmt.Errorf("sitemap discovery for %s: %w", g.base, err)
	}
	refs := make([]catalog.ProductRef, 0, len(urls))
	for _, u := range urls {
		refs = append(refs, catalog.ProductRef{URL: u})
	}
	return refs, nil
}

// FetchProduct scrapes one product page.
func (g *Generic) FetchProduct(ctx context.Context, ref catalog.ProductRef) (*catalog.RawProduct, error) {
	res, err := g.client.Get(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	if res.Status != 200 || len(res.Body) == 0 {
		return nil, nil
	}
	return g.parseProductHTML(ref.URL, res.Body)
}

// parseProductHTML extracts a RawProduct from page HTML, or nil when the page
// carries no recognizable product data.
func (g *Generic) parseProductHTML(pageURL string, body []byte) (*catalog.RawProduct, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html from %s: %w", pageURL, err)
	}

	raw := &catalog.RawProduct{SourceURL: pageURL, Metadata: map[string]any{}}

	if ld := findJSONLDProduct(doc); ld != nil {
		applyJSONLD(raw, ld, pageURL)
	}
	applyOpenGraph(raw, doc, pageURL)
	if priceOfVariants(raw) == 0 {
		applyDOMPrice(raw, doc)
	}

	if raw.Title == "" {
		return nil, nil
	}
	if len(raw.Variants) == 0 {
		// A title with no price at all is a category or landing page, not a
		// product detail page.
		return nil, nil
	}
	return raw, nil
}

func priceOfVariants(raw *catalog.RawProduct) float64 {
	if len(raw.Variants) == 0 {
		return 0
	}
	return raw.Variants[0].Price
}

// findJSONLDProduct scans <script type="application/ld+json"> blocks for a
// node whose @type is Product, including @graph containers and arrays.
func findJSONLDProduct(doc *goquery.Document) map[string]any {
	var product map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var node any
		if err := json.Unmarshal([]byte(s.Text()), &node); err != nil {
			return true
		}
		if p := searchProductNode(node); p != nil {
			product = p
			return false
		}
		return true
	})
	return product
}

func searchProductNode(node any) map[string]any {
	switch v := node.(type) {
	case map[string]any:
		if isProductType(v["@type"]) {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return searchProductNode(graph)
		}
	case []any:
		for _, item := range v {
			if p := searchProductNode(item); p != nil {
				return p
			}
		}
	}
	return nil
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "Product")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

func applyJSONLD(raw *catalog.RawProduct, ld map[string]any, pageURL string) {
	if raw.Title == "" {
		raw.Title = jsonString(ld["name"])
	}
	if raw.Description == "" {
		raw.Description = jsonString(ld["description"])
	}
	if raw.Vendor == "" {
		raw.Vendor = brandName(ld["brand"])
	}
	if raw.ExternalID == "" {
		raw.ExternalID = jsonString(ld["sku"])
		if raw.ExternalID == "" {
			raw.ExternalID = jsonString(ld["productID"])
		}
	}
	for _, img := range imageURLs(ld["image"]) {
		raw.Images = appendUnique(raw.Images, urlutil.AbsoluteURL(pageURL, img))
	}

	price, currency, available := parseOffers(ld["offers"])
	if price > 0 {
		raw.Currency = currency
		raw.Variants = []catalog.RawVariant{{
			SKU:       raw.ExternalID,
			Price:     price,
			Currency:  currency,
			Available: available,
			Images:    raw.Images,
		}}
	}
}

// parseOffers handles both a single Offer object and an array, plus
// AggregateOffer lowPrice/highPrice.
func parseOffers(offers any) (price float64, currency string, available bool) {
	available = true
	switch v := offers.(type) {
	case map[string]any:
		currency = jsonString(v["priceCurrency"])
		if avail := jsonString(v["availability"]); avail != "" {
			available = strings.Contains(strings.ToLower(avail), "instock")
		}
		for _, key := range []string{"price", "lowPrice", "highPrice"} {
			if p, ok := jsonPrice(v[key]); ok && p > 0 {
				price = p
				return price, currency, available
			}
		}
	case []any:
		for _, item := range v {
			if p, c, a := parseOffers(item); p > 0 {
				return p, c, a
			}
		}
	}
	return price, currency, available
}

func applyOpenGraph(raw *catalog.RawProduct, doc *goquery.Document, pageURL string) {
	meta := func(names ...string) string {
		for _, name := range names {
			sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, name, name)
			if content, ok := doc.Find(sel).First().Attr("content"); ok && content != "" {
				return strings.TrimSpace(content)
			}
		}
		return ""
	}

	if raw.Title == "" {
		raw.Title = meta("og:title")
	}
	if raw.Title == "" {
		raw.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if raw.Description == "" {
		raw.Description = meta("og:description", "description")
	}
	if img := meta("og:image"); img != "" {
		raw.Images = appendUnique(raw.Images, urlutil.AbsoluteURL(pageURL, img))
	}
	if len(raw.Variants) == 0 {
		if p, ok := urlutil.ParsePrice(meta("product:price:amount", "og:price:amount")); ok && p > 0 {
			currency := meta("product:price:currency", "og:price:currency")
			raw.Currency = currency
			raw.Variants = []catalog.RawVariant{{
				Price:     p,
				Currency:  currency,
				Available: true,
				Images:    raw.Images,
			}}
		}
	}
}

// applyDOMPrice is the last-resort price extraction: itemprop annotations,
// then the max numeric value inside the first element with a price-ish class.
func applyDOMPrice(raw *catalog.RawProduct, doc *goquery.Document) {
	if len(raw.Variants) > 0 && raw.Variants[0].Price > 0 {
		return
	}
	var price float64
	if content, ok := doc.Find(`[itemprop="price"]`).First().Attr("content"); ok {
		if p, ok := urlutil.ParsePrice(content); ok {
			price = p
		}
	}
	if price == 0 {
		text := doc.Find(`[itemprop="price"]`).First().Text()
		if p, ok := urlutil.ParsePrice(text); ok {
			price = p
		}
	}
	if price == 0 {
		text := doc.Find(`.price, .product-price, .price__regular`).First().Text()
		if p, ok := urlutil.MaxPrice(text); ok {
			price = p
		}
	}
	if price == 0 {
		return
	}
	if len(raw.Variants) == 0 {
		raw.Variants = []catalog.RawVariant{{Available: true, Images: raw.Images}}
	}
	raw.Variants[0].Price = price
}

func jsonString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func jsonPrice(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		return urlutil.ParsePrice(t)
	default:
		return 0, false
	}
}

func brandName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return jsonString(t["name"])
	default:
		return ""
	}
}

func imageURLs(v any) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return []string{t}
		}
	case map[string]any:
		// schema.org ImageObject
		if u := jsonString(t["url"]); u != "" {
			return []string{u}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, imageURLs(item)...)
		}
		return out
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
