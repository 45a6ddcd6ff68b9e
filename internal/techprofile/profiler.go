// Package techprofile classifies an unknown brand storefront so the right
// adapter can be picked. It is best-effort and opportunistic: scoring runs on
// passive signals first, live API probes confirm the top candidates, and an
// LLM classifier breaks ties when one is configured.
package techprofile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/sitemap"
	"github.com/vestiaro/catalog-pipeline/internal/urlutil"
)

// Signal weights. Script hosts are near-definitive, cookies are strong, URL
// path shapes are circumstantial.
const (
	weightScriptHost = 0.9
	weightGenerator  = 0.9
	weightCookie     = 0.7
	weightHeader     = 0.7
	weightURLPattern = 0.4
	weightAPIPath    = 0.5
	probeBonus       = 1.2
)

// Escalation thresholds: a weak or contested heuristic result goes to the
// LLM when one is configured.
const (
	escalateBelowScore = 0.9
	escalateBelowGap   = 0.3
)

// Classifier is the optional LLM escalation hook.
type Classifier interface {
	Classify(ctx context.Context, summary string) (*catalog.TechProfile, error)
}

// Profiler collects signals and scores platforms.
type Profiler struct {
	client     *fetch.Client
	classifier Classifier
	logger     *zap.Logger
}

// New creates a Profiler. classifier may be nil; escalation is then skipped.
func New(client *fetch.Client, classifier Classifier, logger *zap.Logger) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiler{client: client, classifier: classifier, logger: logger}
}

// signals is everything the passive pass extracted from the site.
type signals struct {
	scriptHosts   []string
	scriptPaths   []string
	generator     string
	cookies       []string
	serverHeader  string
	poweredBy     string
	internalPaths []string
	robotsBody    string
	sitemapURLs   []string
	manifestBody  string
	homepageGone  bool
	homepageCode  int
}

// Profile classifies the storefront at siteURL.
func (p *Profiler) Profile(ctx context.Context, siteURL string) (*catalog.TechProfile, error) {
	if strings.TrimSpace(siteURL) == "" {
		return &catalog.TechProfile{
			Platform:            catalog.PlatformUnknown,
			Confidence:          0,
			RecommendedStrategy: "html",
			Risks:               []string{"missing_site_url"},
		}, nil
	}
	base, err := urlutil.NormalizeBaseURL(siteURL)
	if err != nil {
		return nil, fmt.Errorf("normalize site url: %w", err)
	}

	sig := p.collect(ctx, base)
	evidence := scoreSignals(sig)
	scores := sumScores(evidence)

	probes := p.probe(ctx, base, sig, topPlatforms(scores, 3))
	for _, pr := range probes {
		if pr.Matched {
			scores[pr.Platform] += probeBonus
		}
	}

	ranked := topPlatforms(scores, len(scores))
	profile := &catalog.TechProfile{
		Platform:            catalog.PlatformUnknown,
		Evidence:            evidence,
		Probes:              probes,
		RecommendedStrategy: "html",
		Risks:               riskFlags(sig),
	}
	var top, second float64
	if len(ranked) > 0 {
		top = scores[ranked[0]]
	}
	if len(ranked) > 1 {
		second = scores[ranked[1]]
	}
	gap := top - second
	if top > 0 {
		profile.Platform = ranked[0]
		profile.Confidence = confidence(top, gap)
		profile.RecommendedStrategy = strategyFor(profile.Platform, probes)
	}

	if p.classifier != nil && (top < escalateBelowScore || gap < escalateBelowGap) {
		if escalated, err := p.classifier.Classify(ctx, summarize(sig, scores)); err != nil {
			p.logger.Warn("llm escalation failed, keeping heuristic result",
				zap.String("site", base), zap.Error(err))
		} else if escalated != nil {
			escalated.Evidence = profile.Evidence
			escalated.Probes = profile.Probes
			escalated.Risks = mergeRisks(profile.Risks, escalated.Risks)
			return escalated, nil
		}
	}
	return profile, nil
}

// collect gathers the passive signals: homepage, robots, first non-empty
// sitemap (one level of index recursion), and the PWA manifest.
func (p *Profiler) collect(ctx context.Context, base string) signals {
	var sig signals

	home := p.client.TryGet(ctx, base)
	sig.homepageCode = home.Status
	if home.Status == 0 || home.Status >= 400 {
		sig.homepageGone = true
	}
	sig.serverHeader = strings.ToLower(home.Header.Get("Server"))
	sig.poweredBy = strings.ToLower(home.Header.Get("X-Powered-By"))
	for _, sc := range home.Header.Values("Set-Cookie") {
		if name, _, found := strings.Cut(sc, "="); found {
			sig.cookies = append(sig.cookies, strings.TrimSpace(name))
		}
	}
	if home.Status == 200 && len(home.Body) > 0 {
		p.parseHomepage(&sig, base, home.Body)
	}

	robots := p.client.TryGet(ctx, base+"/robots.txt", p.client.Probe())
	if robots.Status == 200 {
		sig.robotsBody = string(robots.Body)
	}

	sig.sitemapURLs = p.firstSitemapURLs(ctx, base, sig.robotsBody)

	manifest := p.client.TryGet(ctx, base+"/manifest.json", p.client.Probe())
	if manifest.Status == 200 {
		sig.manifestBody = string(manifest.Body)
	}
	return sig
}

func (p *Profiler) parseHomepage(sig *signals, base string, body []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return
	}
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		abs := urlutil.AbsoluteURL(base, src)
		if u, err := url.Parse(abs); err == nil {
			sig.scriptHosts = append(sig.scriptHosts, strings.ToLower(u.Host))
			sig.scriptPaths = append(sig.scriptPaths, strings.ToLower(u.Path))
		}
	})
	if gen, ok := doc.Find(`meta[name="generator"]`).First().Attr("content"); ok {
		sig.generator = strings.ToLower(gen)
	}
	baseHost := urlutil.HostOf(base)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs := urlutil.AbsoluteURL(base, href)
		if urlutil.HostOf(abs) != baseHost {
			return
		}
		if u, err := url.Parse(abs); err == nil {
			sig.internalPaths = append(sig.internalPaths, strings.ToLower(u.Path))
		}
	})
}

// firstSitemapURLs returns entries from the first non-empty sitemap, looking
// one level into a sitemap index. Deep walking belongs to discovery, not
// profiling.
func (p *Profiler) firstSitemapURLs(ctx context.Context, base, robotsBody string) []string {
	candidates := []string{base + "/sitemap.xml", base + "/sitemap_index.xml"}
	for _, line := range strings.Split(robotsBody, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 8 && strings.EqualFold(line[:8], "sitemap:") {
			candidates = append([]string{strings.TrimSpace(line[8:])}, candidates...)
		}
	}
	for _, cand := range candidates {
		children, entries := p.fetchSitemap(ctx, cand)
		if len(entries) > 0 {
			return entries
		}
		for _, child := range children {
			if _, childEntries := p.fetchSitemap(ctx, child); len(childEntries) > 0 {
				return childEntries
			}
		}
	}
	return nil
}

func (p *Profiler) fetchSitemap(ctx context.Context, sitemapURL string) (children, entries []string) {
	res := p.client.TryGet(ctx, sitemapURL, p.client.Probe(),
		fetch.WithAccept("application/xml,text/xml;q=0.9,*/*;q=0.8"))
	if res.Status != 200 || len(res.Body) == 0 {
		return nil, nil
	}
	return sitemap.Parse(res.Body)
}

// platformSignature is the static fingerprint table for one platform.
type platformSignature struct {
	platform    catalog.Platform
	scriptHosts []string
	scriptPaths []string
	generators  []string
	cookies     []string
	headers     []string
	urlPatterns []string
	apiPaths    []string
}

var signatures = []platformSignature{
	{
		platform:    catalog.PlatformShopify,
		scriptHosts: []string{"cdn.shopify.com", "cdn.shopifycdn.net"},
		generators:  []string{"shopify"},
		cookies:     []string{"_shopify_y", "_shopify_s", "cart_currency"},
		urlPatterns: []string{"/products/", "/collections/"},
		apiPaths:    []string{"/cdn/shop/"},
	},
	{
		platform:    catalog.PlatformWooCommerce,
		scriptPaths: []string{"/wp-content/plugins/woocommerce/", "/wp-includes/"},
		generators:  []string{"woocommerce", "wordpress"},
		cookies:     []string{"woocommerce_cart_hash", "woocommerce_items_in_cart", "wp_woocommerce_session"},
		urlPatterns: []string{"/product/", "/shop/", "/product-category/"},
		apiPaths:    []string{"/wp-json/"},
	},
	{
		platform:    catalog.PlatformMagento,
		scriptPaths: []string{"/static/frontend/", "/static/version", "/mage/"},
		generators:  []string{"magento"},
		cookies:     []string{"form_key", "mage-cache-storage", "mage-cache-sessid"},
		urlPatterns: []string{"/catalog/product/view", "/checkout/cart"},
		apiPaths:    []string{"/graphql"},
	},
	{
		platform:    catalog.PlatformVTEX,
		scriptHosts: []string{"vteximg.com.br", "vtexassets.com", "io.vtex.com.br"},
		cookies:     []string{"vtexidclientautcookie", "janus_sid", "vtex_segment"},
		headers:     []string{"vtex"},
		urlPatterns: []string{"/p?", "/p/"},
		apiPaths:    []string{"/api/catalog_system/"},
	},
}

// scoreSignals runs every signature over the collected signals, emitting one
// Evidence per distinct match.
func scoreSignals(sig signals) []catalog.Evidence {
	var evidence []catalog.Evidence
	add := func(platform catalog.Platform, typ, value string, weight float64) {
		evidence = append(evidence, catalog.Evidence{
			Platform: platform, Type: typ, Value: value, Weight: weight,
		})
	}

	haystackPaths := append([]string{}, sig.internalPaths...)
	for _, u := range sig.sitemapURLs {
		if parsed, err := url.Parse(u); err == nil {
			haystackPaths = append(haystackPaths, strings.ToLower(parsed.Path))
		}
	}

	for _, sign := range signatures {
		for _, want := range sign.scriptHosts {
			if matchOne(sig.scriptHosts, want) {
				add(sign.platform, "script_host", want, weightScriptHost)
				break
			}
		}
		for _, want := range sign.scriptPaths {
			if matchOne(sig.scriptPaths, want) {
				add(sign.platform, "script_path", want, weightScriptHost)
				break
			}
		}
		for _, want := range sign.generators {
			if sig.generator != "" && strings.Contains(sig.generator, want) {
				add(sign.platform, "meta_generator", sig.generator, weightGenerator)
				break
			}
		}
		for _, want := range sign.cookies {
			if matchCookie(sig.cookies, want) {
				add(sign.platform, "cookie", want, weightCookie)
				break
			}
		}
		for _, want := range sign.headers {
			if strings.Contains(sig.serverHeader, want) || strings.Contains(sig.poweredBy, want) {
				add(sign.platform, "header", want, weightHeader)
				break
			}
		}
		for _, want := range sign.urlPatterns {
			if matchOne(haystackPaths, strings.TrimSuffix(want, "?")) {
				add(sign.platform, "url_pattern", want, weightURLPattern)
				break
			}
		}
		for _, want := range sign.apiPaths {
			if matchOne(sig.scriptPaths, want) || strings.Contains(sig.robotsBody, want) ||
				strings.Contains(sig.manifestBody, want) {
				add(sign.platform, "api_path", want, weightAPIPath)
				break
			}
		}
	}
	return evidence
}

func matchOne(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

func matchCookie(cookies []string, want string) bool {
	for _, c := range cookies {
		if strings.EqualFold(c, want) || strings.HasPrefix(strings.ToLower(c), want) {
			return true
		}
	}
	return false
}

func sumScores(evidence []catalog.Evidence) map[catalog.Platform]float64 {
	scores := make(map[catalog.Platform]float64)
	for _, e := range evidence {
		scores[e.Platform] += e.Weight
	}
	return scores
}

func topPlatforms(scores map[catalog.Platform]float64, n int) []catalog.Platform {
	ranked := make([]catalog.Platform, 0, len(scores))
	for platform := range scores {
		ranked = append(ranked, platform)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// probe runs one live confirmation request per candidate platform.
func (p *Profiler) probe(ctx context.Context, base string, sig signals, candidates []catalog.Platform) []catalog.ProbeResult {
	var results []catalog.ProbeResult
	for _, platform := range candidates {
		var pr catalog.ProbeResult
		switch platform {
		case catalog.PlatformShopify:
			pr = p.probeShopify(ctx, base, sig)
		case catalog.PlatformWooCommerce:
			pr = p.probeWooCommerce(ctx, base)
		case catalog.PlatformMagento:
			pr = p.probeMagento(ctx, base)
		case catalog.PlatformVTEX:
			pr = p.probeVTEX(ctx, base)
		default:
			continue
		}
		results = append(results, pr)
	}
	return results
}

func (p *Profiler) probeShopify(ctx context.Context, base string, sig signals) catalog.ProbeResult {
	// Prefer a real handle seen on the homepage; /products.json works even
	// without one.
	probeURL := base + "/products.json?limit=1"
	for _, path := range sig.internalPaths {
		if idx := strings.Index(path, "/products/"); idx >= 0 {
			handle := strings.Trim(path[idx+len("/products/"):], "/")
			if handle != "" && !strings.Contains(handle, "/") {
				probeURL = base + "/products/" + handle + ".js"
				break
			}
		}
	}
	res := p.client.TryGet(ctx, probeURL, p.client.Probe(), fetch.WithAccept("application/json"))
	matched := res.Status == 200 && json.Valid(res.Body)
	return catalog.ProbeResult{Platform: catalog.PlatformShopify, Request: probeURL, Status: res.Status, Matched: matched}
}

func (p *Profiler) probeWooCommerce(ctx context.Context, base string) catalog.ProbeResult {
	probeURL := base + "/wp-json/wc/store/v1/products?per_page=1"
	var products []json.RawMessage
	status, err := p.client.GetJSON(ctx, probeURL, &products)
	matched := err == nil && status == 200
	return catalog.ProbeResult{Platform: catalog.PlatformWooCommerce, Request: probeURL, Status: status, Matched: matched}
}

func (p *Profiler) probeMagento(ctx context.Context, base string) catalog.ProbeResult {
	probeURL := base + "/graphql"
	var resp struct {
		Data struct {
			StoreConfig struct {
				StoreCode string `json:"store_code"`
			} `json:"storeConfig"`
		} `json:"data"`
	}
	status, err := p.client.PostJSON(ctx, probeURL,
		map[string]string{"query": "{ storeConfig { store_code } }"}, &resp)
	matched := err == nil && status == 200 && resp.Data.StoreConfig.StoreCode != ""
	return catalog.ProbeResult{Platform: catalog.PlatformMagento, Request: probeURL, Status: status, Matched: matched}
}

func (p *Profiler) probeVTEX(ctx context.Context, base string) catalog.ProbeResult {
	probeURL := base + "/api/catalog_system/pub/products/search?_from=0&_to=1"
	var products []json.RawMessage
	status, err := p.client.GetJSON(ctx, probeURL, &products)
	matched := err == nil && status == 200
	return catalog.ProbeResult{Platform: catalog.PlatformVTEX, Request: probeURL, Status: status, Matched: matched}
}

func confidence(top, gap float64) float64 {
	c := top/2.2 + maxFloat(0, gap*0.08)
	if c > 1 {
		return 1
	}
	return c
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func strategyFor(platform catalog.Platform, probes []catalog.ProbeResult) string {
	for _, pr := range probes {
		if pr.Platform == platform && pr.Matched {
			return "platform_api"
		}
	}
	if platform == catalog.PlatformUnknown || platform == catalog.PlatformGeneric {
		return "html"
	}
	return "platform_api_with_html_fallback"
}

func riskFlags(sig signals) []string {
	var risks []string
	if sig.homepageCode == 403 || sig.homepageCode == 429 {
		risks = append(risks, "bot_protection")
	}
	if strings.Contains(sig.serverHeader, "cloudflare") {
		risks = append(risks, "cloudflare")
	}
	if len(sig.sitemapURLs) == 0 {
		risks = append(risks, "no_sitemap")
	}
	if len(sig.scriptHosts) == 0 && len(sig.internalPaths) == 0 {
		risks = append(risks, "minimal_signals")
	}
	return risks
}

func mergeRisks(heuristic, escalated []string) []string {
	out := append([]string{}, heuristic...)
	for _, r := range escalated {
		found := false
		for _, existing := range out {
			if existing == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}

// summarize renders the signal set for the LLM classifier.
func summarize(sig signals, scores map[catalog.Platform]float64) string {
	var sb strings.Builder
	sb.WriteString("Storefront platform signals:\n")
	fmt.Fprintf(&sb, "script hosts: %s\n", strings.Join(dedupe(sig.scriptHosts), ", "))
	fmt.Fprintf(&sb, "meta generator: %s\n", sig.generator)
	fmt.Fprintf(&sb, "cookies: %s\n", strings.Join(dedupe(sig.cookies), ", "))
	fmt.Fprintf(&sb, "server header: %s\n", sig.serverHeader)
	paths := dedupe(sig.internalPaths)
	if len(paths) > 30 {
		paths = paths[:30]
	}
	fmt.Fprintf(&sb, "internal link paths: %s\n", strings.Join(paths, ", "))
	fmt.Fprintf(&sb, "sitemap entries seen: %d\n", len(sig.sitemapURLs))
	sb.WriteString("heuristic scores:\n")
	for _, platform := range topPlatforms(scores, len(scores)) {
		fmt.Fprintf(&sb, "  %s: %.2f\n", platform, scores[platform])
	}
	return sb.String()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
