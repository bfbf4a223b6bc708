package repository

import (
	"context"
	"time"

	"github.com/velocart/checkout/internal/domain"
)

// ProductRepository defines the interface for the inventory counter
// primitives. The TryReserve, TryCommit, and ReleaseReserved operations must
// each be a single conditional atomic update against the store, never a
// read-then-write.
type ProductRepository interface {
	// GetByID retrieves a product with its counters.
	GetByID(ctx context.Context, id string) (*domain.Product, error)

	// Upsert creates or replaces a product record keyed by id. Counters are
	// written as given; used by seeding and the catalog sync consumer.
	Upsert(ctx context.Context, p *domain.Product) error

	// UpdateCatalogFields refreshes the descriptive snapshot fields without
	// touching stock or reserved.
	UpdateCatalogFields(ctx context.Context, p *domain.Product) error

	// TryReserve increments reserved by n iff stock - reserved >= n. On
	// success it returns the product's snapshot fields for the line copy.
	// Fails with Insufficient when the guard is unmet, NotFound when the
	// product does not exist.
	TryReserve(ctx context.Context, id string, n int64) (*domain.Product, error)

	// TryCommit decrements both stock and reserved by n iff reserved >= n
	// and stock >= n. Returns the post-update stock and the product's
	// low-stock threshold.
	TryCommit(ctx context.Context, id string, n int64) (stockAfter, threshold int64, err error)

	// ReleaseReserved decrements reserved by n iff reserved >= n.
	ReleaseReserved(ctx context.Context, id string, n int64) error
}

// ReservationRepository defines the interface for reservation persistence.
type ReservationRepository interface {
	// Create inserts a new reservation with its line snapshots.
	Create(ctx context.Context, r *domain.Reservation) error

	// GetByID retrieves a reservation by its unique identifier.
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)

	// TransitionStatus moves the reservation from one status to another.
	// Returns false (and no error) when no row matched, which happens when
	// a concurrent writer won the transition race.
	TransitionStatus(ctx context.Context, id, from, to string) (bool, error)

	// GetExpired returns active reservations whose expiry has passed,
	// capped at limit.
	GetExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

// OrderRepository defines the interface for order persistence.
type OrderRepository interface {
	// Create inserts an order and its items.
	Create(ctx context.Context, o *domain.Order) error

	// GetByID retrieves an order with its items.
	GetByID(ctx context.Context, id string) (*domain.Order, error)
}

// IdempotencyResult is the outcome of a ReserveSlot call.
type IdempotencyResult struct {
	// Inserted is true when this caller created the record and owns the
	// attempt. When false, Existing holds the record that was found.
	Inserted bool
	Existing *domain.IdempotencyRecord
}

// IdempotencyRepository defines the interface for confirm-attempt records.
type IdempotencyRepository interface {
	// ReserveSlot atomically inserts an in_progress record for
	// (userID, endpoint, key) or returns the existing one.
	ReserveSlot(ctx context.Context, userID, endpoint, key, fingerprint string) (*IdempotencyResult, error)

	// MarkFailed flips an in_progress record to failed so a later retry can
	// proceed. Records that already reached a terminal status are left
	// untouched; a succeeded record's cached response must never be lost.
	MarkFailed(ctx context.Context, userID, endpoint, key string) error

	// Finish overwrites the record's status and cached response.
	Finish(ctx context.Context, userID, endpoint, key, status string, response []byte) error
}

// LowStockRepository defines the interface for low-stock signals.
type LowStockRepository interface {
	// Create appends a new unprocessed signal.
	Create(ctx context.Context, s *domain.LowStockSignal) error

	// List returns signals ordered newest first, with the total count for
	// pagination.
	List(ctx context.Context, limit, offset int) ([]domain.LowStockSignal, int, error)

	// MarkProcessed sets the processed flag on a signal.
	MarkProcessed(ctx context.Context, id string) error
}

// CartRepository defines the read-side interface to the caller's cart.
type CartRepository interface {
	// Get retrieves the caller's cart.
	Get(ctx context.Context, userID string) (*domain.Cart, error)

	// Delete removes the caller's cart after a successful confirm.
	Delete(ctx context.Context, userID string) error
}
