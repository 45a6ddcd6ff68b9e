package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestDiscoverer(t *testing.T) (*Discoverer, *http.ServeMux, string) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := fetch.New(fetch.Config{Timeout: 5 * time.Second}, zap.NewNop())
	return NewDiscoverer(client, zap.NewNop()), mux, srv.URL
}

func urlset(locs ...string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", loc)
	}
	b.WriteString("</urlset>")
	return b.String()
}

func sitemapIndex(locs ...string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", loc)
	}
	b.WriteString("</sitemapindex>")
	return b.String()
}

func TestDiscoverWalksRobotsDeclaredIndex(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nSitemap: %s/custom-index.xml\n", base)
	})
	mux.HandleFunc("/custom-index.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, sitemapIndex(base+"/sitemap_products_1.xml", base+"/sitemap_pages_1.xml"))
	})
	mux.HandleFunc("/sitemap_products_1.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, urlset(
			base+"/products/linen-shirt",
			base+"/products/wool-coat",
		))
	})
	mux.HandleFunc("/sitemap_pages_1.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, urlset(base+"/pages/about-us"))
	})

	got, err := d.Discover(context.Background(), base, 0, Options{ProductAware: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		base + "/products/linen-shirt",
		base + "/products/wool-coat",
	}, got)
}

func TestDiscoverProductAwareFiltering(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	// A generic sitemap mixes product and non-product URLs; only product-like
	// entries survive when ProductAware is on.
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, urlset(
			base+"/products/silk-scarf",
			base+"/collections/new-in",
			base+"/blogs/news/lookbook",
		))
	})

	got, err := d.Discover(context.Background(), base, 0, Options{ProductAware: true})
	require.NoError(t, err)
	assert.Equal(t, []string{base + "/products/silk-scarf"}, got)
}

func TestDiscoverRespectsLimit(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	locs := make([]string, 0, 20)
	for i := range 20 {
		locs = append(locs, fmt.Sprintf("%s/products/item-%d", base, i))
	}
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, urlset(locs...))
	})

	got, err := d.Discover(context.Background(), base, 5, Options{ProductAware: true})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestDiscoverDeduplicatesAcrossFiles(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	same := urlset(base + "/products/one-of-one")
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, same)
	})
	mux.HandleFunc("/sitemap_products_1.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, same)
	})

	got, err := d.Discover(context.Background(), base, 0, Options{ProductAware: true})
	require.NoError(t, err)
	assert.Equal(t, []string{base + "/products/one-of-one"}, got)
}

func TestDiscoverGzippedSitemap(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	mux.HandleFunc("/sitemap.xml.gz", func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(urlset(base + "/products/gz-boot")))
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(buf.Bytes())
	})

	got, err := d.Discover(context.Background(), base, 0, Options{ProductAware: true})
	require.NoError(t, err)
	assert.Contains(t, got, base+"/products/gz-boot")
}

func TestDiscoverMaxFilesBound(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	var fetched atomic.Int64
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fetched.Add(1)
		http.NotFound(w, r)
	})

	_, err := d.Discover(context.Background(), base, 0, Options{ProductAware: true, MaxFiles: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, fetched.Load(), int64(3))
}

func TestDiscoverBudgetBound(t *testing.T) {
	t.Parallel()

	d, mux, base := newTestDiscoverer(t)

	children := make([]string, 0, 50)
	for i := range 50 {
		children = append(children, fmt.Sprintf("%s/sitemap_products_%d.xml", base, i))
	}
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nSitemap: %s/slow-index.xml\n", base)
	})
	mux.HandleFunc("/slow-index.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, sitemapIndex(children...))
	})

	// Every product file is slow; the walk must stop at the wall-clock budget
	// with whatever it has instead of draining all 50.
	var slowFetches atomic.Int64
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/sitemap_products_") {
			http.NotFound(w, r)
			return
		}
		slowFetches.Add(1)
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(w, urlset(fmt.Sprintf("%s/products/item%s", base, r.URL.Path)))
	})

	start := time.Now()
	got, err := d.Discover(context.Background(), base, 0, Options{ProductAware: true, Budget: 500 * time.Millisecond})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.LessOrEqual(t, slowFetches.Load(), int64(10))
	assert.NotEmpty(t, got)
}

func TestDiscoverBadBaseURL(t *testing.T) {
	t.Parallel()

	client := fetch.New(fetch.Config{}, zap.NewNop())
	d := NewDiscoverer(client, zap.NewNop())
	_, err := d.Discover(context.Background(), "", 0, Options{})
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()

	children, entries := Parse([]byte(sitemapIndex("https://x.test/a.xml", "https://x.test/b.xml")))
	assert.Equal(t, []string{"https://x.test/a.xml", "https://x.test/b.xml"}, children)
	assert.Empty(t, entries)

	children, entries = Parse([]byte(urlset("https://x.test/products/a")))
	assert.Empty(t, children)
	assert.Equal(t, []string{"https://x.test/products/a"}, entries)

	children, entries = Parse([]byte("this is not xml <<<"))
	assert.Empty(t, children)
	assert.Empty(t, entries)
}
