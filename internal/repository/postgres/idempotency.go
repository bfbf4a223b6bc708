package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/internal/repository"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// IdempotencyRepository implements confirm-attempt records using PostgreSQL.
// The unique index on (user_id, endpoint, key) is what makes ReserveSlot an
// atomic claim: exactly one concurrent inserter wins.
type IdempotencyRepository struct {
	db database.DBTX
}

// NewIdempotencyRepository creates a new PostgreSQL-backed idempotency repository.
func NewIdempotencyRepository(db database.DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// ReserveSlot atomically inserts an in_progress record or returns the
// existing one. INSERT ... ON CONFLICT DO NOTHING RETURNING yields a row
// only for the winning inserter; losers read the existing record.
func (r *IdempotencyRepository) ReserveSlot(ctx context.Context, userID, endpoint, key, fingerprint string) (*repository.IdempotencyResult, error) {
	insertQuery := `
		INSERT INTO idempotency_records (user_id, endpoint, key, fingerprint, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (user_id, endpoint, key) DO NOTHING
		RETURNING user_id`

	var inserted string
	err := r.db.QueryRow(ctx, insertQuery, userID, endpoint, key, fingerprint, domain.IdempotencyInProgress).Scan(&inserted)
	if err == nil {
		return &repository.IdempotencyResult{Inserted: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reserve idempotency slot: %w", err)
	}

	existing, err := r.get(ctx, userID, endpoint, key)
	if err != nil {
		return nil, err
	}

	return &repository.IdempotencyResult{Inserted: false, Existing: existing}, nil
}

// MarkFailed releases an in_progress record so a later retry can proceed.
// The status guard keeps the record untouched once another attempt has
// concluded it: a succeeded record stays frozen with its cached response.
// A miss is not an error.
func (r *IdempotencyRepository) MarkFailed(ctx context.Context, userID, endpoint, key string) error {
	query := `
		UPDATE idempotency_records
		SET status = $4, updated_at = NOW()
		WHERE user_id = $1 AND endpoint = $2 AND key = $3 AND status = $5`

	_, err := r.db.Exec(ctx, query, userID, endpoint, key, domain.IdempotencyFailed, domain.IdempotencyInProgress)
	if err != nil {
		return fmt.Errorf("mark idempotency record failed: %w", err)
	}

	return nil
}

// Finish overwrites the record's status and cached response.
func (r *IdempotencyRepository) Finish(ctx context.Context, userID, endpoint, key, status string, response []byte) error {
	query := `
		UPDATE idempotency_records
		SET status = $4, response = $5, updated_at = NOW()
		WHERE user_id = $1 AND endpoint = $2 AND key = $3`

	tag, err := r.db.Exec(ctx, query, userID, endpoint, key, status, response)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("idempotency record", key)
	}

	return nil
}

func (r *IdempotencyRepository) get(ctx context.Context, userID, endpoint, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT user_id, endpoint, key, fingerprint, status, response, created_at, updated_at
		FROM idempotency_records
		WHERE user_id = $1 AND endpoint = $2 AND key = $3`

	var rec domain.IdempotencyRecord
	err := r.db.QueryRow(ctx, query, userID, endpoint, key).Scan(
		&rec.UserID,
		&rec.Endpoint,
		&rec.Key,
		&rec.Fingerprint,
		&rec.Status,
		&rec.Response,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("idempotency record", key)
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	return &rec, nil
}
