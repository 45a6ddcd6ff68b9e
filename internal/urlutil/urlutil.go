// Package urlutil provides URL and price-string normalization helpers shared
// by the discovery and extraction components. Pure functions, no I/O.
package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// NormalizeBaseURL standardizes a brand site URL: defaults the scheme to
// https, lowercases the host, and strips query and fragment. The result never
// has a trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// AbsoluteURL resolves ref against base, returning ref unchanged when it is
// already absolute or base is unparsable.
func AbsoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	if strings.Contains(ref, "://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

var nonProductHints = []string{
	"/blog", "/cart", "/checkout", "/account", "/login", "/wp-admin",
	"/pages/", "/policies", "/policy", "/legal", "/privacy", "/terms",
	"/about", "/contact", "/faq", "/news", "/tag/", "/category/",
	"/categorias", "/wishlist", "/search",
}

var productHints = []string{
	"/products/", "/product/", "/producto/", "/productos/", "/produto/",
	"/tienda/", "/shop/", "/item/", "/catalog/product/view",
}

var skipExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".pdf", ".xml", ".css", ".js"}

// LooksLikeProductURL is the heuristic used to filter sitemap entries down to
// product detail pages. It errs toward false: discovery misses are recovered
// by adapter-native discovery, while false positives burn item attempts.
func LooksLikeProductURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if p == "" || p == "/" {
		return false
	}
	for _, ext := range skipExtensions {
		if strings.HasSuffix(p, ext) {
			return false
		}
	}
	for _, hint := range nonProductHints {
		if strings.Contains(p, hint) {
			return false
		}
	}
	for _, hint := range productHints {
		if strings.Contains(p, hint) {
			return true
		}
	}
	// VTEX product pages end in /p.
	if strings.HasSuffix(p, "/p") {
		return true
	}
	return false
}

// LooksLikeProductSitemap reports whether a sitemap filename suggests it lists
// product URLs.
func LooksLikeProductSitemap(sitemapURL string) bool {
	name := strings.ToLower(sitemapURL)
	return strings.Contains(name, "product") ||
		strings.Contains(name, "producto") ||
		strings.Contains(name, "produto")
}

var priceToken = regexp.MustCompile(`\d[\d.,]*\d|\d`)

// ParsePrice parses one price token that may use either "." or "," as a
// thousands or decimal separator. "45.000" and "45,000" read as forty-five
// thousand; "45.99" reads as a decimal. Returns false for non-numeric input.
func ParsePrice(token string) (float64, bool) {
	token = strings.TrimSpace(token)
	m := priceToken.FindString(token)
	if m == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the rightmost one is the decimal separator.
		if lastDot > lastComma {
			m = strings.ReplaceAll(m, ",", "")
		} else {
			m = strings.ReplaceAll(m, ".", "")
			m = strings.Replace(m, ",", ".", 1)
		}
	case lastDot >= 0:
		m = normalizeSingleSeparator(m, ".")
	case lastComma >= 0:
		m = normalizeSingleSeparator(strings.ReplaceAll(m, ",", "."), ".")
	}

	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// normalizeSingleSeparator decides whether a lone separator is a decimal
// point or a thousands mark. Exactly three trailing digits after a single
// separator is read as thousands ("45.000" -> 45000), matching how Latin
// American storefronts print prices.
func normalizeSingleSeparator(m, sep string) string {
	if strings.Count(m, sep) > 1 {
		return strings.ReplaceAll(m, sep, "")
	}
	idx := strings.LastIndex(m, sep)
	if idx < 0 {
		return m
	}
	if len(m)-idx-1 == 3 {
		return strings.ReplaceAll(m, sep, "")
	}
	return m
}

// MaxPrice scans free text (typically a price_html fragment) for numeric
// tokens and returns the largest parsed value. Used as the last-resort price
// fallback when an API reports zero.
func MaxPrice(text string) (float64, bool) {
	tokens := priceToken.FindAllString(text, -1)
	var best float64
	found := false
	for _, tok := range tokens {
		v, ok := ParsePrice(tok)
		if !ok {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best, found
}

// HostOf returns the lowercase hostname of a URL, or "" when unparsable.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
