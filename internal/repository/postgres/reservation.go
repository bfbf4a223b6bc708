package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// ReservationRepository implements reservation persistence using PostgreSQL.
// Line and address snapshots are stored as JSONB; they are immutable history
// and never queried field by field.
type ReservationRepository struct {
	db database.DBTX
}

// NewReservationRepository creates a new PostgreSQL-backed reservation repository.
func NewReservationRepository(db database.DBTX) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// Create inserts a new reservation with its line snapshots.
func (r *ReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	lines, err := json.Marshal(res.Lines)
	if err != nil {
		return fmt.Errorf("marshal reservation lines: %w", err)
	}
	address, err := json.Marshal(res.Address)
	if err != nil {
		return fmt.Errorf("marshal reservation address: %w", err)
	}

	query := `
		INSERT INTO reservations (id, user_id, status, lines, address, shipping_method, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

	_, err = r.db.Exec(ctx, query,
		res.ID,
		res.UserID,
		res.Status,
		lines,
		address,
		res.ShippingMethod,
		res.ExpiresAt,
		res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}

	return nil
}

// GetByID retrieves a reservation by its unique identifier.
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `
		SELECT id, user_id, status, lines, address, shipping_method, expires_at, created_at, updated_at
		FROM reservations
		WHERE id = $1`

	res, err := scanReservation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	return res, nil
}

// TransitionStatus moves the reservation from one status to another. The
// WHERE clause on the current status makes racing writers lose cleanly: the
// loser matches zero rows and gets ok=false.
func (r *ReservationRepository) TransitionStatus(ctx context.Context, id, from, to string) (bool, error) {
	query := `
		UPDATE reservations
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition reservation %s from %s to %s: %w", id, from, to, err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetExpired returns active reservations whose expiry has passed, oldest
// first, capped at limit.
func (r *ReservationRepository) GetExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	query := `
		SELECT id, user_id, status, lines, address, shipping_method, expires_at, created_at, updated_at
		FROM reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, domain.ReservationStatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("get expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired reservations: %w", err)
	}

	return out, nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		res     domain.Reservation
		lines   []byte
		address []byte
	)
	err := row.Scan(
		&res.ID,
		&res.UserID,
		&res.Status,
		&lines,
		&address,
		&res.ShippingMethod,
		&res.ExpiresAt,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(lines, &res.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal reservation lines: %w", err)
	}
	if err := json.Unmarshal(address, &res.Address); err != nil {
		return nil, fmt.Errorf("unmarshal reservation address: %w", err)
	}

	return &res, nil
}
