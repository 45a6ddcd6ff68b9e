package extractor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/adapters"
	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/fetch"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
	"github.com/vestiaro/catalog-pipeline/internal/sitemap"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeProductStore struct {
	products []catalog.Product
	variants []catalog.Variant
	upsertID uuid.UUID
	err      error
}

func (f *fakeProductStore) UpsertProduct(_ context.Context, p catalog.Product, _ time.Time) (uuid.UUID, bool, error) {
	if f.err != nil {
		return uuid.Nil, false, f.err
	}
	f.products = append(f.products, p)
	return f.upsertID, true, nil
}

func (f *fakeProductStore) UpsertVariant(_ context.Context, v catalog.Variant, _ time.Time) error {
	f.variants = append(f.variants, v)
	return nil
}

func (f *fakeProductStore) CountKnownRefs(context.Context, uuid.UUID, []catalog.ProductRef) (int, error) {
	return 0, nil
}

func (f *fakeProductStore) ProductIDsCreatedSince(context.Context, uuid.UUID, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeProductStore) PriceChangesSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeProductStore) StockChangesSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

func TestNormalizeDedupesVariants(t *testing.T) {
	t.Parallel()

	brandID := uuid.New()
	stock := 3
	raw := &catalog.RawProduct{
		SourceURL:  "https://x.test/products/tee",
		ExternalID: "77",
		Title:      "  Basic Tee  ",
		Vendor:     "Vestiaro",
		Currency:   "USD",
		Images:     []string{"https://img.test/tee.jpg"},
		Variants: []catalog.RawVariant{
			{Options: map[string]string{"Size": "S"}, Price: 20, Available: true},
			{Options: map[string]string{"size": "s"}, Price: 20, Available: true}, // same signature, case-folded
			{Options: map[string]string{"Size": "M"}, Price: 20, Stock: &stock},
			{SKU: "BT-NO-OPTS", Price: 20, Available: false},
		},
	}

	product, variants := Normalize(brandID, catalog.ProductRef{}, raw)

	assert.Equal(t, brandID, product.BrandID)
	assert.Equal(t, "Basic Tee", product.Name)
	assert.Equal(t, "https://img.test/tee.jpg", product.ImageCoverURL)
	assert.Equal(t, "Vestiaro", product.Metadata["vendor"])

	require.Len(t, variants, 3)
	assert.Equal(t, "size=s", variants[0].OptionKey)
	assert.Equal(t, "size=m", variants[1].OptionKey)
	assert.Equal(t, "sku:BT-NO-OPTS", variants[2].OptionKey)

	assert.Equal(t, "in_stock", variants[0].StockStatus)
	assert.Equal(t, "in_stock", variants[1].StockStatus) // stock pointer wins
	assert.Equal(t, "out_of_stock", variants[2].StockStatus)
}

func TestNormalizePrefersNativeVariantIDs(t *testing.T) {
	t.Parallel()

	raw := &catalog.RawProduct{
		SourceURL: "https://x.test/products/coat",
		Title:     "Coat",
		Variants: []catalog.RawVariant{
			{ID: "101", Options: map[string]string{"Size": "S"}, Price: 120},
			{ID: "102", Options: map[string]string{"Size": "S"}, Price: 120},
		},
	}

	_, variants := Normalize(uuid.New(), catalog.ProductRef{}, raw)
	require.Len(t, variants, 2)
	assert.Equal(t, "id:101", variants[0].OptionKey)
	assert.Equal(t, "id:102", variants[1].OptionKey)
	assert.Equal(t, "101", variants[0].Metadata["source_variant_id"])
}

func TestNormalizeFallsBackToRefFields(t *testing.T) {
	t.Parallel()

	ref := catalog.ProductRef{URL: "https://x.test/products/scarf", ExternalID: "s-9"}
	raw := &catalog.RawProduct{
		Title:    "Scarf",
		Variants: []catalog.RawVariant{{Price: 30, Available: true, Currency: "EUR"}},
	}

	product, variants := Normalize(uuid.New(), ref, raw)
	assert.Equal(t, ref.URL, product.SourceURL)
	assert.Equal(t, ref.ExternalID, product.ExternalID)
	// Product currency backfills from the first variant.
	assert.Equal(t, "EUR", product.Currency)
	require.Len(t, variants, 1)
	assert.Equal(t, "default", variants[0].OptionKey)
}

func TestExtractPipeline(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/products/tee", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head>
			<script type="application/ld+json">
			{"@type":"Product","name":"Basic Tee","sku":"BT-1","offers":{"price":"25.00","priceCurrency":"USD"}}
			</script>
		</head><body></body></html>`)
	})

	client := fetch.New(fetch.Config{Timeout: 5 * time.Second}, zap.NewNop())
	registry := adapters.NewRegistry(client, sitemap.NewDiscoverer(client, zap.NewNop()), sitemap.Options{}, zap.NewNop())
	store := &fakeProductStore{upsertID: uuid.New()}
	e := New(registry, store, zap.NewNop())

	brand := catalog.Brand{ID: uuid.New(), SiteURL: srv.URL}
	var stages []string
	err := e.Extract(context.Background(), brand, catalog.PlatformGeneric,
		catalog.ProductRef{URL: srv.URL + "/products/tee"}, time.Now(), func(s string) { stages = append(stages, s) })
	require.NoError(t, err)

	assert.Equal(t, []string{StageFetch, StageNormalize, StagePersist, StageCompleted}, stages)
	require.Len(t, store.products, 1)
	assert.Equal(t, "Basic Tee", store.products[0].Name)
	require.Len(t, store.variants, 1)
	assert.Equal(t, store.upsertID, store.variants[0].ProductID)
	assert.InDelta(t, 25.0, store.variants[0].Price, 0.001)
}

func TestExtractNoProductData(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/collections/all", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>All products</title></head><body></body></html>`)
	})

	client := fetch.New(fetch.Config{Timeout: 5 * time.Second}, zap.NewNop())
	registry := adapters.NewRegistry(client, sitemap.NewDiscoverer(client, zap.NewNop()), sitemap.Options{}, zap.NewNop())
	store := &fakeProductStore{upsertID: uuid.New()}
	e := New(registry, store, zap.NewNop())

	var lastStage string
	err := e.Extract(context.Background(), catalog.Brand{ID: uuid.New(), SiteURL: srv.URL}, catalog.PlatformGeneric,
		catalog.ProductRef{URL: srv.URL + "/collections/all"}, time.Now(), func(s string) { lastStage = s })
	require.ErrorIs(t, err, catalog.ErrNoProductData)
	assert.Equal(t, StageFetch, lastStage)
	assert.Empty(t, store.products)
}
