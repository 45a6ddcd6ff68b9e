package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// BrandStore implements catalog.BrandStore. Brands are owned by the admin
// application; this store only reads them and writes back the catalog_refresh
// sub-object of their metadata column.
type BrandStore struct {
	pool pool
}

var _ catalog.BrandStore = (*BrandStore)(nil)

// NewBrandStore constructs a BrandStore from an existing pool.
func NewBrandStore(pool pool) *BrandStore {
	return &BrandStore{pool: pool}
}

const brandColumns = `id, site_url, ecommerce_platform, active, manual_review,
	COALESCE(metadata -> 'catalog_refresh', '{}'::jsonb)`

// GetBrand loads one brand or catalog.ErrNotFound.
func (s *BrandStore) GetBrand(ctx context.Context, brandID uuid.UUID) (catalog.Brand, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+brandColumns+` FROM brands WHERE id = $1`, brandID)
	brand, err := scanBrand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Brand{}, catalog.ErrNotFound
		}
		return catalog.Brand{}, err
	}
	return brand, nil
}

// RefreshCandidates lists active brands with a site URL that are not under
// manual review. Due-date filtering happens in the scheduler.
func (s *BrandStore) RefreshCandidates(ctx context.Context) ([]catalog.Brand, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+brandColumns+` FROM brands
		WHERE active AND NOT manual_review AND site_url <> ''
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list refresh candidates: %w", err)
	}
	defer rows.Close()

	var brands []catalog.Brand
	for rows.Next() {
		brand, err := scanBrand(rows)
		if err != nil {
			return nil, err
		}
		brands = append(brands, brand)
	}
	return brands, rows.Err()
}

// SaveRefreshState merges the catalog_refresh sub-object into the brand's
// metadata. The typed struct becomes loose JSON only here.
func (s *BrandStore) SaveRefreshState(ctx context.Context, brandID uuid.UUID, state catalog.RefreshState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal refresh state: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE brands
		SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{catalog_refresh}', $2::jsonb, true)
		WHERE id = $1`,
		brandID, payload)
	if err != nil {
		return fmt.Errorf("save refresh state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func scanBrand(row pgx.Row) (catalog.Brand, error) {
	var (
		brand   catalog.Brand
		refresh []byte
	)
	err := row.Scan(&brand.ID, &brand.SiteURL, &brand.Platform, &brand.Active,
		&brand.ManualReview, &refresh)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Brand{}, err
		}
		return catalog.Brand{}, fmt.Errorf("scan brand: %w", err)
	}
	if len(refresh) > 0 {
		if err := json.Unmarshal(refresh, &brand.Refresh); err != nil {
			return catalog.Brand{}, fmt.Errorf("parse catalog_refresh for brand %s: %w", brand.ID, err)
		}
	}
	return brand, nil
}
