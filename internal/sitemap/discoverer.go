// Package sitemap discovers product URLs by walking a site's sitemap tree.
//
// Brand sites vary wildly in sitemap conventions and size (some list 100k+
// URLs), so the walk is double-bounded by a wall-clock budget and a visited
// file cap, and candidate files are scored by filename so product sitemaps
// are drained first on well-behaved sites.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
	"github.com/vestiaro/catalog-pipeline/internal/urlutil"
)

// Conventional sitemap locations tried when robots.txt declares none (or in
// addition to what it declares). Shopify, WordPress, Magento and VTEX each
// have their own habits.
var fallbackPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/sitemap.xml.gz",
	"/sitemap_index.xml.gz",
	"/sitemap_products_1.xml",
	"/sitemap_products_1.xml.gz",
	"/product-sitemap.xml",
	"/products-sitemap.xml",
	"/sitemap-products.xml",
	"/sitemap/products.xml",
	"/sitemap/product.xml",
	"/wp-sitemap.xml",
	"/wp-sitemap-posts-product-1.xml",
	"/sitemap/sitemap.xml",
	"/sitemap/index.xml",
	"/media/sitemap/sitemap.xml",
	"/pub/media/sitemap.xml",
	"/xmlsitemap.php",
	"/sitemap1.xml",
}

const (
	defaultBudget   = 12 * time.Second
	defaultMaxFiles = 200
	hardMaxFiles    = 1000
)

// Options bound one discovery walk.
type Options struct {
	// ProductAware filters entries through the product-URL heuristic and lets
	// a recognized product sitemap contribute all of its entries unfiltered.
	ProductAware bool
	// Budget is the wall-clock bound for the whole walk.
	Budget time.Duration
	// MaxFiles caps how many sitemap files are fetched.
	MaxFiles int
	// MaxScanURLs caps how many <loc> entries are examined in total.
	MaxScanURLs int
}

// Discoverer walks robots.txt and sitemap files breadth-first.
type Discoverer struct {
	client *fetch.Client
	logger *zap.Logger
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(client *fetch.Client, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{client: client, logger: logger}
}

type candidate struct {
	url   string
	score int
}

// Discover returns product-URL candidates for the site, truncated to limit.
// limit == 0 means unbounded; the budget and file caps govern instead.
func (d *Discoverer) Discover(ctx context.Context, baseURL string, limit int, opts Options) ([]string, error) {
	base, err := urlutil.NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("normalize base url: %w", err)
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = defaultMaxFiles
	}
	if opts.MaxFiles > hardMaxFiles {
		opts.MaxFiles = hardMaxFiles
	}

	deadline := time.Now().Add(opts.Budget)

	queue := d.seedCandidates(ctx, base)
	visited := make(map[string]bool)
	seen := make(map[string]bool)
	var out []string
	files := 0
	scanned := 0

	for len(queue) > 0 {
		if files >= opts.MaxFiles || time.Now().After(deadline) {
			break
		}
		if opts.ProductAware && limit > 0 && len(out) >= limit {
			break
		}
		if opts.MaxScanURLs > 0 && scanned >= opts.MaxScanURLs {
			break
		}

		sort.SliceStable(queue, func(i, j int) bool { return queue[i].score > queue[j].score })
		cand := queue[0]
		queue = queue[1:]
		if visited[cand.url] {
			continue
		}
		visited[cand.url] = true

		res := d.client.TryGet(ctx, cand.url, fetch.WithAccept("application/xml,text/xml;q=0.9,*/*;q=0.8"))
		files++
		if res.Status != 200 || len(res.Body) == 0 {
			continue
		}
		metrics.ObserveSitemapFile()

		body, err := maybeGunzip(cand.url, res.Header.Get("Content-Type"), res.Body)
		if err != nil {
			d.logger.Debug("gunzip failed", zap.String("url", cand.url), zap.Error(err))
			continue
		}

		children, entries := Parse(body)
		for _, child := range children {
			if !visited[child] {
				queue = append(queue, candidate{url: child, score: scoreSitemapURL(child)})
			}
		}

		productFile := urlutil.LooksLikeProductSitemap(cand.url)
		for _, entry := range entries {
			scanned++
			if opts.MaxScanURLs > 0 && scanned > opts.MaxScanURLs {
				break
			}
			if opts.ProductAware && !productFile && !urlutil.LooksLikeProductURL(entry) {
				continue
			}
			if seen[entry] {
				continue
			}
			seen[entry] = true
			out = append(out, entry)
			if opts.ProductAware && limit > 0 && len(out) >= limit {
				break
			}
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	d.logger.Debug("sitemap discovery finished",
		zap.String("base", base),
		zap.Int("files", files),
		zap.Int("urls", len(out)),
	)
	return out, nil
}

// seedCandidates merges robots-declared sitemaps with the conventional
// fallback paths, scored and ready to drain.
func (d *Discoverer) seedCandidates(ctx context.Context, base string) []candidate {
	var queue []candidate
	add := func(u string, bonus int) {
		queue = append(queue, candidate{url: u, score: scoreSitemapURL(u) + bonus})
	}

	res := d.client.TryGet(ctx, base+"/robots.txt", d.client.Probe())
	if res.Status == 200 {
		for _, line := range strings.Split(string(res.Body), "\n") {
			line = strings.TrimSpace(line)
			if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
				continue
			}
			loc := strings.TrimSpace(line[8:])
			if loc != "" {
				// Declared sitemaps outrank guessed paths at equal names.
				add(urlutil.AbsoluteURL(base, loc), 20)
			}
		}
	}

	for _, p := range fallbackPaths {
		add(base+p, 0)
	}
	return queue
}

// scoreSitemapURL ranks candidate files: product sitemaps first, indexes next
// (they fan out to product files), generic sitemaps last.
func scoreSitemapURL(u string) int {
	switch {
	case urlutil.LooksLikeProductSitemap(u):
		return 100
	case strings.Contains(strings.ToLower(u), "index"):
		return 60
	default:
		return 40
	}
}

// Parse returns child sitemap locations (for a sitemap index) and URL
// entries (for a urlset). Malformed XML yields nothing rather than an error;
// robustness to junk is part of the contract.
func Parse(body []byte) (children, entries []string) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, nil
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}
	switch root.Tag {
	case "sitemapindex":
		for _, sm := range root.SelectElements("sitemap") {
			if loc := sm.SelectElement("loc"); loc != nil {
				if text := strings.TrimSpace(loc.Text()); text != "" {
					children = append(children, text)
				}
			}
		}
	case "urlset":
		for _, u := range root.SelectElements("url") {
			if loc := u.SelectElement("loc"); loc != nil {
				if text := strings.TrimSpace(loc.Text()); text != "" {
					entries = append(entries, text)
				}
			}
		}
	}
	return children, entries
}

func maybeGunzip(fileURL, contentType string, body []byte) ([]byte, error) {
	gzipped := strings.HasSuffix(strings.ToLower(fileURL), ".gz") ||
		strings.Contains(contentType, "gzip") ||
		(len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b)
	if !gzipped {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() {
		_ = zr.Close()
	}()
	out, err := io.ReadAll(io.LimitReader(zr, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("gunzip sitemap: %w", err)
	}
	return out, nil
}
