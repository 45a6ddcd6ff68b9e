package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare host gets https", in: "shop.example.com", want: "https://shop.example.com"},
		{name: "trailing slash stripped", in: "https://shop.example.com/", want: "https://shop.example.com"},
		{name: "path preserved", in: "https://example.com/us", want: "https://example.com/us"},
		{name: "http kept", in: "http://example.com", want: "http://example.com"},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace only", in: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeBaseURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAbsoluteURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://example.com/products/tee", AbsoluteURL("https://example.com", "/products/tee"))
	assert.Equal(t, "https://cdn.example.com/a.jpg", AbsoluteURL("https://example.com", "https://cdn.example.com/a.jpg"))
	assert.Equal(t, "", AbsoluteURL("https://example.com", ""))
}

func TestLooksLikeProductURL(t *testing.T) {
	t.Parallel()

	productLike := []string{
		"https://example.com/products/linen-shirt",
		"https://example.com/shop/dresses/midi-wrap/p",
		"https://example.com/producto/camisa-azul",
		"https://example.com/item/12345",
	}
	for _, u := range productLike {
		assert.True(t, LooksLikeProductURL(u), u)
	}

	notProductLike := []string{
		"https://example.com/blogs/news/summer-sale",
		"https://example.com/pages/about-us",
		"https://example.com/collections/new-in",
		"https://example.com/cart",
		"https://example.com/media/banner.jpg",
		"https://example.com/sitemap.xml",
	}
	for _, u := range notProductLike {
		assert.False(t, LooksLikeProductURL(u), u)
	}
}

func TestLooksLikeProductSitemap(t *testing.T) {
	t.Parallel()

	assert.True(t, LooksLikeProductSitemap("https://example.com/sitemap_products_1.xml"))
	assert.True(t, LooksLikeProductSitemap("https://example.com/product-sitemap.xml"))
	assert.False(t, LooksLikeProductSitemap("https://example.com/sitemap_pages_1.xml"))
	assert.False(t, LooksLikeProductSitemap("https://example.com/sitemap.xml"))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"45.99", 45.99, true},
		{"1,299.00", 1299.00, true},
		{"1.299,00", 1299.00, true},
		// A single separator with a three-digit tail reads as a thousands
		// separator, not decimals.
		{"45.000", 45000, true},
		{"45,000", 45000, true},
		{"89900", 89900, true},
		{"0", 0, true},
		{"", 0, false},
		{"free", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePrice(tt.in)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 0.001)
			}
		})
	}
}

func TestMaxPrice(t *testing.T) {
	t.Parallel()

	got, ok := MaxPrice(`<span class="price">$45.000</span> &ndash; <span class="price">$60.000</span>`)
	require.True(t, ok)
	assert.InDelta(t, 60000.0, got, 0.001)

	got, ok = MaxPrice("from $19.99 to $24.99")
	require.True(t, ok)
	assert.InDelta(t, 24.99, got, 0.001)

	_, ok = MaxPrice("call for pricing")
	assert.False(t, ok)
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "shop.example.com", HostOf("https://shop.example.com/products/x"))
	assert.Equal(t, "", HostOf("://bad"))
}
