package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// refChunkSize bounds IN-clause parameter lists for coverage matching.
const refChunkSize = 500

// ProductStore implements catalog.ProductStore on products/variants plus the
// append-only price_history/stock_history logs.
type ProductStore struct {
	pool pool
	ids  catalog.IDGenerator
}

var _ catalog.ProductStore = (*ProductStore)(nil)

// NewProductStore constructs a ProductStore from an existing pool.
func NewProductStore(pool pool, ids catalog.IDGenerator) *ProductStore {
	return &ProductStore{pool: pool, ids: ids}
}

// UpsertProduct inserts or updates by (brand_id, source_url), falling back to
// (brand_id, external_id) so a URL change does not duplicate the product.
func (s *ProductStore) UpsertProduct(ctx context.Context, p catalog.Product, now time.Time) (uuid.UUID, bool, error) {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal product metadata: %w", err)
	}

	var id uuid.UUID
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM products WHERE brand_id = $1 AND source_url = $2`,
		p.BrandID, p.SourceURL).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) && p.ExternalID != "" {
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM products WHERE brand_id = $1 AND external_id = $2`,
			p.BrandID, p.ExternalID).Scan(&id)
	}
	switch {
	case err == nil:
		_, err = s.pool.Exec(ctx, `
			UPDATE products
			SET source_url = $2, external_id = $3, name = $4, description = $5,
			    currency = $6, image_cover_url = $7, metadata = $8, updated_at = $9
			WHERE id = $1`,
			id, p.SourceURL, p.ExternalID, p.Name, p.Description,
			p.Currency, p.ImageCoverURL, metadata, now)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("update product: %w", err)
		}
		return id, false, nil

	case errors.Is(err, pgx.ErrNoRows):
		id = s.ids.NewID()
		_, err = s.pool.Exec(ctx, `
			INSERT INTO products
				(id, brand_id, source_url, external_id, name, description,
				 category, subcategory, currency, image_cover_url, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			id, p.BrandID, p.SourceURL, p.ExternalID, p.Name, p.Description,
			p.Category, p.Subcategory, p.Currency, p.ImageCoverURL, metadata, now)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("insert product: %w", err)
		}
		return id, true, nil

	default:
		return uuid.Nil, false, fmt.Errorf("lookup product: %w", err)
	}
}

// UpsertVariant inserts or updates by (product_id, option_key), appending a
// history row for each price or stock value that changed instead of silently
// overwriting it.
func (s *ProductStore) UpsertVariant(ctx context.Context, v catalog.Variant, now time.Time) error {
	options, err := json.Marshal(v.Options)
	if err != nil {
		return fmt.Errorf("marshal variant options: %w", err)
	}
	images, err := json.Marshal(v.Images)
	if err != nil {
		return fmt.Errorf("marshal variant images: %w", err)
	}
	metadata, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("marshal variant metadata: %w", err)
	}

	var (
		id             uuid.UUID
		oldPrice       float64
		oldCompareAt   *float64
		oldStock       *int
		oldStockStatus string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT id, price, compare_at_price, stock, stock_status
		FROM variants WHERE product_id = $1 AND option_key = $2`,
		v.ProductID, v.OptionKey).Scan(&id, &oldPrice, &oldCompareAt, &oldStock, &oldStockStatus)

	switch {
	case err == nil:
		if priceChanged(oldPrice, oldCompareAt, v.Price, v.CompareAtPrice) {
			_, err = s.pool.Exec(ctx, `
				INSERT INTO price_history (id, variant_id, price, compare_at_price, captured_at)
				VALUES ($1, $2, $3, $4, $5)`,
				s.ids.NewID(), id, v.Price, v.CompareAtPrice, now)
			if err != nil {
				return fmt.Errorf("append price history: %w", err)
			}
		}
		if stockChanged(oldStock, oldStockStatus, v.Stock, v.StockStatus) {
			_, err = s.pool.Exec(ctx, `
				INSERT INTO stock_history (id, variant_id, stock, stock_status, captured_at)
				VALUES ($1, $2, $3, $4, $5)`,
				s.ids.NewID(), id, v.Stock, v.StockStatus, now)
			if err != nil {
				return fmt.Errorf("append stock history: %w", err)
			}
		}
		_, err = s.pool.Exec(ctx, `
			UPDATE variants
			SET sku = $2, options = $3, price = $4, compare_at_price = $5,
			    currency = $6, stock = $7, stock_status = $8, images = $9,
			    metadata = $10, updated_at = $11
			WHERE id = $1`,
			id, v.SKU, options, v.Price, v.CompareAtPrice,
			v.Currency, v.Stock, v.StockStatus, images, metadata, now)
		if err != nil {
			return fmt.Errorf("update variant: %w", err)
		}
		return nil

	case errors.Is(err, pgx.ErrNoRows):
		_, err = s.pool.Exec(ctx, `
			INSERT INTO variants
				(id, product_id, sku, option_key, options, price, compare_at_price,
				 currency, stock, stock_status, images, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
			s.ids.NewID(), v.ProductID, v.SKU, v.OptionKey, options, v.Price,
			v.CompareAtPrice, v.Currency, v.Stock, v.StockStatus, images, metadata, now)
		if err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("lookup variant: %w", err)
	}
}

// CountKnownRefs matches refs against existing products by URL or external
// ID, chunked to keep parameter lists bounded.
func (s *ProductStore) CountKnownRefs(ctx context.Context, brandID uuid.UUID, refs []catalog.ProductRef) (int, error) {
	matched := 0
	for start := 0; start < len(refs); start += refChunkSize {
		end := start + refChunkSize
		if end > len(refs) {
			end = len(refs)
		}
		chunk := refs[start:end]

		urls := make([]string, 0, len(chunk))
		externalIDs := make([]string, 0, len(chunk))
		for _, ref := range chunk {
			if ref.URL != "" {
				urls = append(urls, ref.URL)
			}
			if ref.ExternalID != "" {
				externalIDs = append(externalIDs, ref.ExternalID)
			}
		}

		rows, err := s.pool.Query(ctx, `
			SELECT source_url, external_id FROM products
			WHERE brand_id = $1 AND (source_url = ANY($2) OR (external_id <> '' AND external_id = ANY($3)))`,
			brandID, urls, externalIDs)
		if err != nil {
			return 0, fmt.Errorf("match refs: %w", err)
		}
		knownURLs := make(map[string]bool)
		knownIDs := make(map[string]bool)
		for rows.Next() {
			var u, e string
			if err := rows.Scan(&u, &e); err != nil {
				rows.Close()
				return 0, fmt.Errorf("scan matched ref: %w", err)
			}
			knownURLs[u] = true
			if e != "" {
				knownIDs[e] = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("iterate matched refs: %w", err)
		}

		// A ref counts once, matched by either key.
		for _, ref := range chunk {
			if knownURLs[ref.URL] || (ref.ExternalID != "" && knownIDs[ref.ExternalID]) {
				matched++
			}
		}
	}
	return matched, nil
}

// ProductIDsCreatedSince lists products first seen after the cutoff.
func (s *ProductStore) ProductIDsCreatedSince(ctx context.Context, brandID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM products WHERE brand_id = $1 AND created_at >= $2`,
		brandID, since)
	if err != nil {
		return nil, fmt.Errorf("list new products: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PriceChangesSince counts price history rows appended after the cutoff.
func (s *ProductStore) PriceChangesSince(ctx context.Context, brandID uuid.UUID, since time.Time) (int, error) {
	return s.historyCountSince(ctx, "price_history", brandID, since)
}

// StockChangesSince counts stock history rows appended after the cutoff.
func (s *ProductStore) StockChangesSince(ctx context.Context, brandID uuid.UUID, since time.Time) (int, error) {
	return s.historyCountSince(ctx, "stock_history", brandID, since)
}

func (s *ProductStore) historyCountSince(ctx context.Context, table string, brandID uuid.UUID, since time.Time) (int, error) {
	var count int
	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s h
		JOIN variants v ON v.id = h.variant_id
		JOIN products p ON p.id = v.product_id
		WHERE p.brand_id = $1 AND h.captured_at >= $2`, table)
	if err := s.pool.QueryRow(ctx, query, brandID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s rows: %w", table, err)
	}
	return count, nil
}

func priceChanged(oldPrice float64, oldCompareAt *float64, newPrice float64, newCompareAt *float64) bool {
	if oldPrice != newPrice {
		return true
	}
	return !floatPtrEqual(oldCompareAt, newCompareAt)
}

func stockChanged(oldStock *int, oldStatus string, newStock *int, newStatus string) bool {
	if oldStatus != newStatus {
		return true
	}
	return !intPtrEqual(oldStock, newStock)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
