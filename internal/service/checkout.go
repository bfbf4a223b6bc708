package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/internal/repository"
	"github.com/velocart/checkout/internal/repository/postgres"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// EndpointConfirm is the endpoint component of the idempotency key tuple.
const EndpointConfirm = "confirm"

// maxTxAttempts bounds in-process retries of a transaction that failed with
// a transient serialization or deadlock error.
const maxTxAttempts = 3

// EventPublisher is the subset of the event producer the engine needs.
// Publishing is best-effort; failures are logged, never surfaced.
type EventPublisher interface {
	PublishReservationCreated(ctx context.Context, r *domain.Reservation) error
	PublishReservationCancelled(ctx context.Context, r *domain.Reservation) error
	PublishOrderCreated(ctx context.Context, o *domain.Order) error
	PublishLowStock(ctx context.Context, s *domain.LowStockSignal) error
}

// ReserveInput is the caller-supplied part of a reserve request. The lines
// themselves are read server-side from the caller's cart.
type ReserveInput struct {
	Address        domain.Address
	ShippingMethod string
}

// ReserveResult is the successful outcome of a reserve.
type ReserveResult struct {
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ConfirmResult is the successful outcome of a confirm. Idempotent retries
// with the same token and fingerprint replay exactly this tuple.
type ConfirmResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// ReservationView is a reservation plus its derived usability flag.
type ReservationView struct {
	*domain.Reservation
	IsValid bool `json:"is_valid"`
}

// CheckoutService is the reservation engine: it enforces the two-phase
// reserve/confirm protocol over the inventory, reservation, order, and
// idempotency stores. All mutual exclusion is delegated to Postgres row
// locks and unique indexes; no in-memory locks are held across store calls.
type CheckoutService struct {
	pool     database.Pool
	carts    repository.CartRepository
	producer EventPublisher
	logger   *slog.Logger
	holdTTL  time.Duration
	nowFunc  func() time.Time
}

// NewCheckoutService creates a new reservation engine.
func NewCheckoutService(
	pool database.Pool,
	carts repository.CartRepository,
	producer EventPublisher,
	logger *slog.Logger,
	holdTTL time.Duration,
) *CheckoutService {
	if holdTTL <= 0 {
		holdTTL = domain.HoldTTL
	}
	return &CheckoutService{
		pool:     pool,
		carts:    carts,
		producer: producer,
		logger:   logger,
		holdTTL:  holdTTL,
		nowFunc:  time.Now,
	}
}

// WithClock overrides the engine's clock. Used by tests.
func (s *CheckoutService) WithClock(now func() time.Time) *CheckoutService {
	s.nowFunc = now
	return s
}

// Reserve places an all-or-nothing soft hold on the caller's cart contents.
// Lines are processed in ascending product id order; if any line's guard
// fails the whole transaction aborts and no stock is held.
func (s *CheckoutService) Reserve(ctx context.Context, userID string, input ReserveInput) (*ReserveResult, error) {
	if err := validateReserveInput(input); err != nil {
		return nil, err
	}

	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.InvalidInput("cart is empty")
		}
		return nil, fmt.Errorf("read cart: %w", err)
	}
	if len(cart.Items) == 0 {
		return nil, apperrors.InvalidInput("cart is empty")
	}
	for _, item := range cart.Items {
		if item.Quantity < 1 || item.Quantity > domain.MaxLineQuantity {
			return nil, apperrors.InvalidInput(fmt.Sprintf(
				"quantity for product %s must be between 1 and %d", item.ProductID, domain.MaxLineQuantity))
		}
	}

	items := make([]domain.CartItem, len(cart.Items))
	copy(items, cart.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	var reservation *domain.Reservation
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		products := postgres.NewProductRepository(tx)
		reservations := postgres.NewReservationRepository(tx)

		now := s.nowFunc().UTC()
		lines := make([]domain.Line, 0, len(items))
		for _, item := range items {
			p, err := products.TryReserve(ctx, item.ProductID, item.Quantity)
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					return apperrors.InvalidInput(fmt.Sprintf("product %s not found", item.ProductID))
				}
				return err
			}
			lines = append(lines, domain.Line{
				ProductID: p.ID,
				SKU:       p.SKU,
				Name:      p.Name,
				UnitPrice: p.UnitPrice,
				Quantity:  item.Quantity,
			})
		}

		reservation = &domain.Reservation{
			ID:             uuid.New().String(),
			UserID:         userID,
			Status:         domain.ReservationStatusActive,
			Lines:          lines,
			Address:        input.Address,
			ShippingMethod: input.ShippingMethod,
			ExpiresAt:      now.Add(s.holdTTL),
			CreatedAt:      now,
		}
		return reservations.Create(ctx, reservation)
	})
	if err != nil {
		return nil, err
	}

	if err := s.producer.PublishReservationCreated(ctx, reservation); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish reservation.created event",
			slog.String("reservation_id", reservation.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "reservation created",
		slog.String("reservation_id", reservation.ID),
		slog.String("user_id", userID),
		slog.Int("line_count", len(reservation.Lines)),
		slog.Time("expires_at", reservation.ExpiresAt),
	)

	return &ReserveResult{ReservationID: reservation.ID, ExpiresAt: reservation.ExpiresAt}, nil
}

// Confirm turns an active reservation into an order, decrementing stock
// permanently. The (caller, endpoint, token) tuple makes the operation
// effectively at-most-once: retries with the same fingerprint replay the
// cached response, reuse with a different fingerprint is rejected.
func (s *CheckoutService) Confirm(ctx context.Context, userID, reservationID, token, fingerprint string) (*ConfirmResult, error) {
	if reservationID == "" {
		return nil, apperrors.InvalidInput("reservation_id is required")
	}
	if token == "" {
		return nil, apperrors.InvalidInput("idempotency key is required")
	}
	if _, err := uuid.Parse(token); err != nil {
		return nil, apperrors.InvalidInput("idempotency key must be a UUID")
	}

	idem := postgres.NewIdempotencyRepository(s.pool)
	slot, err := idem.ReserveSlot(ctx, userID, EndpointConfirm, token, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency slot: %w", err)
	}

	if !slot.Inserted {
		existing := slot.Existing
		if existing.Fingerprint != fingerprint {
			return nil, apperrors.IdempotencyMismatch(token)
		}
		if existing.Status == domain.IdempotencySucceeded {
			var cached ConfirmResult
			if err := json.Unmarshal(existing.Response, &cached); err != nil {
				return nil, apperrors.Internal(fmt.Errorf("decode cached confirm response: %w", err))
			}
			s.logger.InfoContext(ctx, "confirm replayed from idempotency cache",
				slog.String("user_id", userID),
				slog.String("idempotency_key", token),
				slog.String("order_id", cached.OrderID),
			)
			return &cached, nil
		}
		// in_progress or failed with a matching fingerprint: safe retry.
	}

	var (
		order   *domain.Order
		signals []domain.LowStockSignal
		result  *ConfirmResult
	)
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		order, signals = nil, nil

		products := postgres.NewProductRepository(tx)
		reservations := postgres.NewReservationRepository(tx)
		orders := postgres.NewOrderRepository(tx)
		lowStock := postgres.NewLowStockRepository(tx)
		txIdem := postgres.NewIdempotencyRepository(tx)

		now := s.nowFunc().UTC()

		reservation, err := reservations.GetByID(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.UserID != userID {
			return apperrors.Forbidden("reservation belongs to another user")
		}
		if !reservation.IsUsable(now) {
			return apperrors.Gone(fmt.Sprintf("reservation %s is %s or expired", reservationID, reservation.Status))
		}

		lines := make([]domain.Line, len(reservation.Lines))
		copy(lines, reservation.Lines)
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		for _, line := range lines {
			stockAfter, threshold, err := products.TryCommit(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if stockAfter < threshold {
				signals = append(signals, domain.LowStockSignal{
					ID:         uuid.New().String(),
					ProductID:  line.ProductID,
					StockAfter: stockAfter,
					Threshold:  threshold,
					CreatedAt:  now,
				})
			}
		}

		order = &domain.Order{
			ID:             uuid.New().String(),
			UserID:         userID,
			ReservationID:  reservation.ID,
			Status:         domain.OrderStatusCreated,
			Items:          domain.OrderItemsFromLines(reservation.Lines),
			Address:        reservation.Address,
			ShippingMethod: reservation.ShippingMethod,
			TotalAmount:    domain.OrderTotal(reservation.Lines),
			CreatedAt:      now,
		}
		if err := orders.Create(ctx, order); err != nil {
			return err
		}

		ok, err := reservations.TransitionStatus(ctx, reservation.ID,
			domain.ReservationStatusActive, domain.ReservationStatusConsumed)
		if err != nil {
			return err
		}
		if !ok {
			// The sweeper won the race after our read.
			return apperrors.Gone(fmt.Sprintf("reservation %s is no longer active", reservationID))
		}

		for i := range signals {
			if err := lowStock.Create(ctx, &signals[i]); err != nil {
				return err
			}
		}

		result = &ConfirmResult{OrderID: order.ID, Status: domain.OrderStatusCreated}
		response, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode confirm response: %w", err)
		}
		return txIdem.Finish(ctx, userID, EndpointConfirm, token, domain.IdempotencySucceeded, response)
	})
	if err != nil {
		// Best-effort: release the slot for a later retry. MarkFailed only
		// touches in_progress records, so a concurrent duplicate that lost
		// this race cannot clobber the winner's cached response. The error
		// being returned is the interesting one; the cleanup failure is only
		// logged.
		if finishErr := idem.MarkFailed(ctx, userID, EndpointConfirm, token); finishErr != nil {
			s.logger.ErrorContext(ctx, "failed to mark idempotency record failed",
				slog.String("user_id", userID),
				slog.String("idempotency_key", token),
				slog.String("error", finishErr.Error()),
			)
		}
		return nil, err
	}

	// Cart deletion and event publication happen after commit; both are
	// best-effort and never violate the availability invariant.
	if err := s.carts.Delete(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "failed to delete cart after confirm",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.producer.PublishOrderCreated(ctx, order); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish order.created event",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
	for i := range signals {
		if err := s.producer.PublishLowStock(ctx, &signals[i]); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish inventory.low_stock event",
				slog.String("product_id", signals[i].ProductID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "reservation confirmed",
		slog.String("reservation_id", reservationID),
		slog.String("order_id", order.ID),
		slog.String("user_id", userID),
		slog.Int64("total_amount", order.TotalAmount),
		slog.Int("low_stock_signals", len(signals)),
	)

	return result, nil
}

// GetReservation returns the caller's reservation with its usability flag.
// A reservation belonging to another caller reads as not found so that
// reservation ids do not leak existence.
func (s *CheckoutService) GetReservation(ctx context.Context, userID, reservationID string) (*ReservationView, error) {
	reservations := postgres.NewReservationRepository(s.pool)

	reservation, err := reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation.UserID != userID {
		return nil, apperrors.NotFound("reservation", reservationID)
	}

	return &ReservationView{
		Reservation: reservation,
		IsValid:     reservation.IsUsable(s.nowFunc().UTC()),
	}, nil
}

// Cancel releases an active reservation at the caller's request, returning
// its held units to the free pool.
func (s *CheckoutService) Cancel(ctx context.Context, userID, reservationID string) error {
	var cancelled *domain.Reservation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		products := postgres.NewProductRepository(tx)
		reservations := postgres.NewReservationRepository(tx)

		reservation, err := reservations.GetByID(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.UserID != userID {
			return apperrors.Forbidden("reservation belongs to another user")
		}
		if reservation.Status != domain.ReservationStatusActive {
			return apperrors.Gone(fmt.Sprintf("reservation %s is %s", reservationID, reservation.Status))
		}

		lines := make([]domain.Line, len(reservation.Lines))
		copy(lines, reservation.Lines)
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		for _, line := range lines {
			if err := products.ReleaseReserved(ctx, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}

		ok, err := reservations.TransitionStatus(ctx, reservation.ID,
			domain.ReservationStatusActive, domain.ReservationStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Gone(fmt.Sprintf("reservation %s is no longer active", reservationID))
		}

		cancelled = reservation
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.producer.PublishReservationCancelled(ctx, cancelled); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish reservation.cancelled event",
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "reservation cancelled",
		slog.String("reservation_id", reservationID),
		slog.String("user_id", userID),
	)

	return nil
}

// withTx runs fn inside a ReadCommitted transaction, retrying serialization
// and deadlock failures up to maxTxAttempts before surfacing them as
// internal errors.
func (s *CheckoutService) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		lastErr = err
		s.logger.WarnContext(ctx, "transient storage failure, retrying transaction",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxTxAttempts),
			slog.String("error", err.Error()),
		)
	}
	return apperrors.Internal(fmt.Errorf("transaction retries exhausted: %w", lastErr))
}

func (s *CheckoutService) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isTransient reports whether the error is a serialization failure or
// deadlock that a fresh transaction may not hit again.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return errors.Is(err, apperrors.ErrStorageTransient)
}

func validateReserveInput(input ReserveInput) error {
	if !domain.IsValidShippingMethod(input.ShippingMethod) {
		return apperrors.InvalidInput(fmt.Sprintf("unknown shipping method %q", input.ShippingMethod))
	}

	addr := input.Address
	missing := ""
	switch {
	case addr.Name == "":
		missing = "name"
	case addr.Phone == "":
		missing = "phone"
	case addr.Line1 == "":
		missing = "line1"
	case addr.City == "":
		missing = "city"
	case addr.State == "":
		missing = "state"
	case addr.Pincode == "":
		missing = "pincode"
	}
	if missing != "" {
		return apperrors.InvalidInput(fmt.Sprintf("address field %s is required", missing))
	}

	return nil
}
