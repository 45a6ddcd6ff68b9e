// Package fetch wraps outbound HTTP for the pipeline: timeout-bounded GET and
// POST with a fixed user agent, redirect following, optional per-host rate
// limiting, and Prometheus fetch counters.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vestiaro/catalog-pipeline/internal/metrics"
	"github.com/vestiaro/catalog-pipeline/internal/urlutil"
)

// maxBodyBytes caps how much of any response we read. Brand sites serve some
// very large category pages; nothing in the pipeline needs more than this.
const maxBodyBytes = 10 << 20

// Result is the outcome of a single fetch.
type Result struct {
	Status   int
	Body     []byte
	FinalURL string
	Header   http.Header
}

// Config controls Client behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	// PerHostRPS > 0 enables a token-bucket limiter per hostname. Zero keeps
	// the source behavior of no explicit politeness policy.
	PerHostRPS float64
}

// Client is a shared outbound HTTP client. Safe for concurrent use.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Client with sane defaults for anything unset.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 8 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "vestiaro-catalog-bot/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http: &http.Client{
			// Per-request deadlines come from the context; the client-level
			// timeout is a backstop against redirect loops.
			Timeout: cfg.Timeout + 5*time.Second,
		},
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

type requestOptions struct {
	timeout time.Duration
	accept  string
	headers map[string]string
}

// Option customizes a single request.
type Option func(*requestOptions)

// WithTimeout overrides the fetch deadline for one request.
func WithTimeout(d time.Duration) Option {
	return func(o *requestOptions) { o.timeout = d }
}

// WithAccept sets the Accept header for one request.
func WithAccept(accept string) Option {
	return func(o *requestOptions) { o.accept = accept }
}

// WithHeader adds an arbitrary header to one request.
func WithHeader(key, value string) Option {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// Probe shortens the deadline to the probe timeout. Used for robots/manifest
// fetches and live platform probes where a slow answer is as good as none.
func (c *Client) Probe() Option {
	return WithTimeout(c.cfg.ProbeTimeout)
}

// Get fetches a URL. Errors propagate; the per-product fetch path wants them
// as item-level failures.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...Option) (*Result, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, "", opts...)
}

// TryGet fetches a URL for discovery paths: on any network failure it returns
// a zero-status Result instead of an error, so one dead sitemap never aborts
// a crawl.
func (c *Client) TryGet(ctx context.Context, rawURL string, opts ...Option) *Result {
	res, err := c.Get(ctx, rawURL, opts...)
	if err != nil {
		c.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(err))
		return &Result{FinalURL: rawURL}
	}
	return res
}

// GetJSON fetches and decodes a JSON document into out. Non-2xx statuses are
// returned without decoding, body errors propagate.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any, opts ...Option) (int, error) {
	opts = append(opts, WithAccept("application/json"))
	res, err := c.Get(ctx, rawURL, opts...)
	if err != nil {
		return 0, err
	}
	if res.Status < 200 || res.Status >= 300 {
		return res.Status, nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return res.Status, fmt.Errorf("decode json from %s: %w", rawURL, err)
	}
	return res.Status, nil
}

// PostJSON sends a JSON payload and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload, out any, opts ...Option) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	opts = append(opts, WithAccept("application/json"))
	res, err := c.do(ctx, http.MethodPost, rawURL, body, "application/json", opts...)
	if err != nil {
		return 0, err
	}
	if res.Status < 200 || res.Status >= 300 {
		return res.Status, nil
	}
	if out != nil {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res.Status, fmt.Errorf("decode json from %s: %w", rawURL, err)
		}
	}
	return res.Status, nil
}

func (c *Client) do(
	ctx context.Context,
	method, rawURL string,
	body []byte,
	contentType string,
	opts ...Option,
) (*Result, error) {
	ro := requestOptions{timeout: c.cfg.Timeout}
	for _, opt := range opts {
		opt(&ro)
	}

	if err := c.waitHost(ctx, rawURL); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, ro.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if ro.accept != "" {
		req.Header.Set("Accept", ro.accept)
	} else {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range ro.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveFetch(rawURL, 0, time.Since(start))
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.ObserveFetch(rawURL, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", rawURL, err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Result{
		Status:   resp.StatusCode,
		Body:     data,
		FinalURL: finalURL,
		Header:   resp.Header,
	}, nil
}

func (c *Client) waitHost(ctx context.Context, rawURL string) error {
	if c.cfg.PerHostRPS <= 0 {
		return nil
	}
	host := urlutil.HostOf(rawURL)
	if host == "" {
		return nil
	}
	c.mu.Lock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.PerHostRPS), 1)
		c.limiters[host] = lim
	}
	c.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait for %s: %w", host, err)
	}
	return nil
}
