package postgres

import (
	"context"
	"fmt"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// LowStockRepository implements low-stock signal persistence using PostgreSQL.
type LowStockRepository struct {
	db database.DBTX
}

// NewLowStockRepository creates a new PostgreSQL-backed low-stock repository.
func NewLowStockRepository(db database.DBTX) *LowStockRepository {
	return &LowStockRepository{db: db}
}

// Create appends a new unprocessed signal.
func (r *LowStockRepository) Create(ctx context.Context, s *domain.LowStockSignal) error {
	query := `
		INSERT INTO low_stock_signals (id, product_id, stock_after, threshold, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		s.ID,
		s.ProductID,
		s.StockAfter,
		s.Threshold,
		s.Processed,
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create low stock signal: %w", err)
	}

	return nil
}

// List returns signals ordered newest first, with the total count.
func (r *LowStockRepository) List(ctx context.Context, limit, offset int) ([]domain.LowStockSignal, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM low_stock_signals`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count low stock signals: %w", err)
	}

	query := `
		SELECT id, product_id, stock_after, threshold, processed, created_at
		FROM low_stock_signals
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list low stock signals: %w", err)
	}
	defer rows.Close()

	var out []domain.LowStockSignal
	for rows.Next() {
		var s domain.LowStockSignal
		if err := rows.Scan(&s.ID, &s.ProductID, &s.StockAfter, &s.Threshold, &s.Processed, &s.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan low stock signal: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate low stock signals: %w", err)
	}

	return out, total, nil
}

// MarkProcessed sets the processed flag on a signal.
func (r *LowStockRepository) MarkProcessed(ctx context.Context, id string) error {
	query := `
		UPDATE low_stock_signals
		SET processed = TRUE
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark low stock signal processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("low stock signal", id)
	}

	return nil
}
