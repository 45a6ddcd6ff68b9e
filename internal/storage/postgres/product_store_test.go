package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

func TestUpsertProductInsertsWhenUnknown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	newID := uuid.New()
	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{newID}})
	now := time.Unix(1700000000, 0).UTC()

	p := catalog.Product{
		BrandID:   uuid.New(),
		SourceURL: "https://x.test/products/tee",
		Name:      "Basic Tee",
		Currency:  "USD",
	}

	mock.ExpectQuery("SELECT id FROM products WHERE brand_id = (.+) AND source_url").
		WithArgs(p.BrandID, p.SourceURL).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO products").
		WithArgs(newID, p.BrandID, p.SourceURL, "", p.Name, "",
			"", "", p.Currency, "", []byte("null"), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, created, err := store.UpsertProduct(context.Background(), p, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, newID, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProductUpdatesExistingByURL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	existing := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	p := catalog.Product{
		BrandID:   uuid.New(),
		SourceURL: "https://x.test/products/tee",
		Name:      "Basic Tee v2",
	}

	mock.ExpectQuery("SELECT id FROM products WHERE brand_id = (.+) AND source_url").
		WithArgs(p.BrandID, p.SourceURL).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(existing))
	mock.ExpectExec("UPDATE products").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	id, created, err := store.UpsertProduct(context.Background(), p, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProductFallsBackToExternalID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	existing := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	// The product moved to a new URL; the external ID still identifies it.
	p := catalog.Product{
		BrandID:    uuid.New(),
		SourceURL:  "https://x.test/products/tee-renamed",
		ExternalID: "77",
		Name:       "Basic Tee",
	}

	mock.ExpectQuery("SELECT id FROM products WHERE brand_id = (.+) AND source_url").
		WithArgs(p.BrandID, p.SourceURL).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM products WHERE brand_id = (.+) AND external_id").
		WithArgs(p.BrandID, p.ExternalID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(existing))
	mock.ExpectExec("UPDATE products").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	id, created, err := store.UpsertProduct(context.Background(), p, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func variantLookupRows(id uuid.UUID, price float64, compareAt *float64, stock *int, status string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "price", "compare_at_price", "stock", "stock_status"}).
		AddRow(id, price, compareAt, stock, status)
}

func TestUpsertVariantInsertsWhenUnknown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	now := time.Unix(1700000000, 0).UTC()

	v := catalog.Variant{
		ProductID:   uuid.New(),
		OptionKey:   "size=s",
		Price:       45.99,
		Currency:    "USD",
		StockStatus: "in_stock",
	}

	mock.ExpectQuery("SELECT id, price, compare_at_price, stock, stock_status").
		WithArgs(v.ProductID, v.OptionKey).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO variants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertVariant(context.Background(), v, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVariantAppendsPriceHistoryOnChange(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	histID := uuid.New()
	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{histID}})
	variantID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	v := catalog.Variant{
		ProductID:   uuid.New(),
		OptionKey:   "size=s",
		Price:       39.99,
		StockStatus: "in_stock",
	}

	// Stored at 45.99; the drop to 39.99 lands in price_history, the stock
	// side is unchanged so no stock_history row.
	mock.ExpectQuery("SELECT id, price, compare_at_price, stock, stock_status").
		WithArgs(v.ProductID, v.OptionKey).
		WillReturnRows(variantLookupRows(variantID, 45.99, nil, nil, "in_stock"))
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs(histID, variantID, v.Price, v.CompareAtPrice, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE variants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpsertVariant(context.Background(), v, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVariantAppendsStockHistoryOnChange(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	histID := uuid.New()
	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{histID}})
	variantID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	v := catalog.Variant{
		ProductID:   uuid.New(),
		OptionKey:   "size=s",
		Price:       45.99,
		StockStatus: "out_of_stock",
	}

	mock.ExpectQuery("SELECT id, price, compare_at_price, stock, stock_status").
		WithArgs(v.ProductID, v.OptionKey).
		WillReturnRows(variantLookupRows(variantID, 45.99, nil, nil, "in_stock"))
	mock.ExpectExec("INSERT INTO stock_history").
		WithArgs(histID, variantID, v.Stock, v.StockStatus, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE variants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpsertVariant(context.Background(), v, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVariantNoHistoryWhenUnchanged(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	variantID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	v := catalog.Variant{
		ProductID:   uuid.New(),
		OptionKey:   "size=s",
		Price:       45.99,
		StockStatus: "in_stock",
	}

	mock.ExpectQuery("SELECT id, price, compare_at_price, stock, stock_status").
		WithArgs(v.ProductID, v.OptionKey).
		WillReturnRows(variantLookupRows(variantID, 45.99, nil, nil, "in_stock"))
	mock.ExpectExec("UPDATE variants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpsertVariant(context.Background(), v, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountKnownRefsMatchesByURLOrExternalID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	brandID := uuid.New()

	refs := []catalog.ProductRef{
		{URL: "https://x.test/products/a"},
		{URL: "https://x.test/products/b-moved", ExternalID: "b-77"},
		{URL: "https://x.test/products/c"},
	}

	mock.ExpectQuery("SELECT source_url, external_id FROM products").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"source_url", "external_id"}).
			AddRow("https://x.test/products/a", "").
			AddRow("https://x.test/products/b-old", "b-77"))

	matched, err := store.CountKnownRefs(context.Background(), brandID, refs)
	require.NoError(t, err)
	// a matches by URL, b by external ID despite the URL change, c is new.
	assert.Equal(t, 2, matched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountKnownRefsEmpty(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	matched, err := store.CountKnownRefs(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Zero(t, matched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryCountsSince(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProductStore(mock, &stubIDs{ids: []uuid.UUID{uuid.New()}})
	brandID := uuid.New()
	since := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT COUNT(.+) FROM price_history").
		WithArgs(brandID, since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery("SELECT COUNT(.+) FROM stock_history").
		WithArgs(brandID, since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	prices, err := store.PriceChangesSince(context.Background(), brandID, since)
	require.NoError(t, err)
	assert.Equal(t, 5, prices)

	stocks, err := store.StockChangesSince(context.Background(), brandID, since)
	require.NoError(t, err)
	assert.Equal(t, 2, stocks)
	require.NoError(t, mock.ExpectationsWereMet())
}
