package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// ProductRepository implements the inventory counter primitives using
// PostgreSQL. The try* operations are single conditional UPDATEs; the row
// lock taken by the guard serializes concurrent writers per product.
type ProductRepository struct {
	db database.DBTX
}

// NewProductRepository creates a new PostgreSQL-backed product repository.
func NewProductRepository(db database.DBTX) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByID retrieves a product with its counters.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	query := `
		SELECT id, sku, name, unit_price, stock, reserved, low_stock_threshold, image_url, created_at, updated_at
		FROM products
		WHERE id = $1`

	var p domain.Product
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.SKU,
		&p.Name,
		&p.UnitPrice,
		&p.Stock,
		&p.Reserved,
		&p.LowStockThreshold,
		&p.ImageURL,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("product", id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// Upsert creates or replaces a product record keyed by id. Counters are
// written as given.
func (r *ProductRepository) Upsert(ctx context.Context, p *domain.Product) error {
	query := `
		INSERT INTO products (id, sku, name, unit_price, stock, reserved, low_stock_threshold, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			unit_price = EXCLUDED.unit_price,
			stock = EXCLUDED.stock,
			reserved = EXCLUDED.reserved,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			image_url = EXCLUDED.image_url,
			updated_at = NOW()`

	_, err := r.db.Exec(ctx, query,
		p.ID,
		p.SKU,
		p.Name,
		p.UnitPrice,
		p.Stock,
		p.Reserved,
		p.LowStockThreshold,
		p.ImageURL,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}

	return nil
}

// UpdateCatalogFields refreshes the descriptive snapshot fields without
// touching the stock or reserved counters.
func (r *ProductRepository) UpdateCatalogFields(ctx context.Context, p *domain.Product) error {
	query := `
		UPDATE products
		SET sku = $2, name = $3, unit_price = $4, low_stock_threshold = $5, image_url = $6, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		p.ID,
		p.SKU,
		p.Name,
		p.UnitPrice,
		p.LowStockThreshold,
		p.ImageURL,
	)
	if err != nil {
		return fmt.Errorf("update product catalog fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("product", p.ID)
	}

	return nil
}

// TryReserve increments reserved by n iff stock - reserved >= n, returning
// the snapshot fields in the same atomic statement.
func (r *ProductRepository) TryReserve(ctx context.Context, id string, n int64) (*domain.Product, error) {
	query := `
		UPDATE products
		SET reserved = reserved + $2, updated_at = NOW()
		WHERE id = $1 AND stock - reserved >= $2
		RETURNING id, sku, name, unit_price, stock, reserved, low_stock_threshold`

	var p domain.Product
	err := r.db.QueryRow(ctx, query, id, n).Scan(
		&p.ID,
		&p.SKU,
		&p.Name,
		&p.UnitPrice,
		&p.Stock,
		&p.Reserved,
		&p.LowStockThreshold,
	)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("try reserve product %s: %w", id, err)
	}

	// Guard unmet or missing product; read the row to tell them apart.
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.Insufficient(id, n, existing.Available())
}

// TryCommit decrements both counters by n iff reserved >= n and stock >= n.
func (r *ProductRepository) TryCommit(ctx context.Context, id string, n int64) (int64, int64, error) {
	query := `
		UPDATE products
		SET stock = stock - $2, reserved = reserved - $2, updated_at = NOW()
		WHERE id = $1 AND reserved >= $2 AND stock >= $2
		RETURNING stock, low_stock_threshold`

	var stockAfter, threshold int64
	err := r.db.QueryRow(ctx, query, id, n).Scan(&stockAfter, &threshold)
	if err == nil {
		return stockAfter, threshold, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("try commit product %s: %w", id, err)
	}

	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return 0, 0, getErr
	}
	return 0, 0, apperrors.Insufficient(id, n, existing.Reserved)
}

// ReleaseReserved decrements reserved by n iff the result stays non-negative.
func (r *ProductRepository) ReleaseReserved(ctx context.Context, id string, n int64) error {
	query := `
		UPDATE products
		SET reserved = reserved - $2, updated_at = NOW()
		WHERE id = $1 AND reserved >= $2`

	tag, err := r.db.Exec(ctx, query, id, n)
	if err != nil {
		return fmt.Errorf("release reserved for product %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Guard unmet or missing product; read the row to tell them apart.
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperrors.Insufficient(id, n, existing.Reserved)
	}

	return nil
}
