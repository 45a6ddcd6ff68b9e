// Package metrics exposes Prometheus collectors for the catalog pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	catalogItemsTotal        *prometheus.CounterVec
	catalogFetchesTotal      *prometheus.CounterVec
	catalogFetchSeconds      *prometheus.HistogramVec
	catalogRunsTotal         *prometheus.CounterVec
	catalogSitemapFilesTotal prometheus.Counter
	catalogDrainWorkers      prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		catalogItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_items_total",
				Help: "Total catalog items processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		catalogFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetches_total",
				Help: "Total outbound fetches, labeled by site and status class.",
			},
			[]string{"site", "class"},
		)

		catalogFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_fetch_duration_seconds",
				Help:    "Histogram of outbound fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"site"},
		)

		catalogRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_runs_total",
				Help: "Total runs reaching a status, labeled by status.",
			},
			[]string{"status"},
		)

		catalogSitemapFilesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_sitemap_files_total",
				Help: "Total sitemap files fetched during discovery.",
			},
		)

		catalogDrainWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_drain_workers",
				Help: "Number of drain workers currently processing an item.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the processed-item counter for the given outcome.
func ObserveItem(outcome string) {
	catalogItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one outbound fetch.
func ObserveFetch(site string, status int, duration time.Duration) {
	sanitized := SanitizeSite(site)
	catalogFetchesTotal.WithLabelValues(sanitized, statusClass(status)).Inc()
	catalogFetchSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the given status.
func ObserveRun(status string) {
	catalogRunsTotal.WithLabelValues(status).Inc()
}

// ObserveSitemapFile counts one fetched sitemap file.
func ObserveSitemapFile() {
	catalogSitemapFilesTotal.Inc()
}

// IncDrainWorkers increments the drain workers gauge.
func IncDrainWorkers() {
	catalogDrainWorkers.Inc()
}

// DecDrainWorkers decrements the drain workers gauge.
func DecDrainWorkers() {
	catalogDrainWorkers.Dec()
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "err"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
