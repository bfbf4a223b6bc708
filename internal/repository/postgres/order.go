package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// OrderRepository implements order persistence using PostgreSQL. Orders are
// written exactly once by confirm and never mutated here.
type OrderRepository struct {
	db database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts an order and its items.
func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	address, err := json.Marshal(o.Address)
	if err != nil {
		return fmt.Errorf("marshal order address: %w", err)
	}

	orderQuery := `
		INSERT INTO orders (id, user_id, reservation_id, status, address, shipping_method, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.Exec(ctx, orderQuery,
		o.ID,
		o.UserID,
		o.ReservationID,
		o.Status,
		address,
		o.ShippingMethod,
		o.TotalAmount,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, product_id, sku, name, unit_price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, item := range o.Items {
		_, err = r.db.Exec(ctx, itemQuery,
			o.ID,
			item.ProductID,
			item.SKU,
			item.Name,
			item.UnitPrice,
			item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("create order item for product %s: %w", item.ProductID, err)
		}
	}

	return nil
}

// GetByID retrieves an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	orderQuery := `
		SELECT id, user_id, reservation_id, status, address, shipping_method, total_amount, created_at
		FROM orders
		WHERE id = $1`

	var (
		o       domain.Order
		address []byte
	)
	err := r.db.QueryRow(ctx, orderQuery, id).Scan(
		&o.ID,
		&o.UserID,
		&o.ReservationID,
		&o.Status,
		&address,
		&o.ShippingMethod,
		&o.TotalAmount,
		&o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("order", id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := json.Unmarshal(address, &o.Address); err != nil {
		return nil, fmt.Errorf("unmarshal order address: %w", err)
	}

	itemQuery := `
		SELECT product_id, sku, name, unit_price, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id`

	rows, err := r.db.Query(ctx, itemQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.SKU, &item.Name, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return &o, nil
}
