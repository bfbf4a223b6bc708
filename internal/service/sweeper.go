package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/internal/repository/postgres"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// DefaultSweepInterval is the cadence between sweeper cycles.
const DefaultSweepInterval = 60 * time.Second

// sweepBatchLimit caps the reservations handled in one cycle so a large
// backlog cannot starve the ticker.
const sweepBatchLimit = 500

var (
	sweeperExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sweeper_reservations_expired_total",
		Help: "Reservations transitioned to expired by the sweeper.",
	})
	sweeperUnitsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sweeper_units_released_total",
		Help: "Reserved units returned to the free pool by the sweeper.",
	})
	sweeperErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sweeper_errors_total",
		Help: "Errors encountered during sweeper cycles.",
	})
)

// SweeperEvents is the subset of the event producer the sweeper needs.
type SweeperEvents interface {
	PublishReservationExpired(ctx context.Context, r *domain.Reservation) error
}

// Sweeper periodically moves stale active reservations to expired and
// returns their held units. At most one cycle runs at a time; an invocation
// that finds a cycle in flight returns immediately.
type Sweeper struct {
	pool     database.Pool
	producer SweeperEvents
	logger   *slog.Logger
	interval time.Duration
	nowFunc  func() time.Time

	cycleMu sync.Mutex
	wg      sync.WaitGroup
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(pool database.Pool, producer SweeperEvents, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		pool:     pool,
		producer: producer,
		logger:   logger,
		interval: interval,
		nowFunc:  time.Now,
	}
}

// WithClock overrides the sweeper's clock. Used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.nowFunc = now
	return s
}

// Run executes one cycle immediately, then on every tick until the context
// is cancelled. It blocks; callers run it in its own goroutine. On return,
// any in-flight cycle has finished: cancellation stops the ticker but a
// cycle already underway runs to completion so no reservation is left
// half-expired.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("expiry sweeper started", slog.Duration("interval", s.interval))

	cycleCtx := context.WithoutCancel(ctx)
	s.Sweep(cycleCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopping")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Sweep(cycleCtx)
		}
	}
}

// Sweep runs a single cycle. It returns immediately when another cycle is
// already in flight.
func (s *Sweeper) Sweep(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		s.logger.Debug("sweep cycle already in flight, skipping")
		return
	}
	s.wg.Add(1)
	defer func() {
		s.cycleMu.Unlock()
		s.wg.Done()
	}()

	now := s.nowFunc().UTC()

	reservations := postgres.NewReservationRepository(s.pool)
	expired, err := reservations.GetExpired(ctx, now, sweepBatchLimit)
	if err != nil {
		sweeperErrorsTotal.Inc()
		s.logger.ErrorContext(ctx, "failed to query expired reservations",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(expired) == 0 {
		return
	}

	var expiredCount, unitsReleased, errCount int64
	for i := range expired {
		released, err := s.expireOne(ctx, &expired[i])
		if err != nil {
			errCount++
			sweeperErrorsTotal.Inc()
			s.logger.ErrorContext(ctx, "failed to expire reservation",
				slog.String("reservation_id", expired[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if released < 0 {
			// A concurrent confirm or cancel won; nothing to release.
			continue
		}

		expiredCount++
		unitsReleased += released
		sweeperExpiredTotal.Inc()
		sweeperUnitsReleasedTotal.Add(float64(released))

		if err := s.producer.PublishReservationExpired(ctx, &expired[i]); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish reservation.expired event",
				slog.String("reservation_id", expired[i].ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "sweep cycle completed",
		slog.Int64("reservations_expired", expiredCount),
		slog.Int64("units_released", unitsReleased),
		slog.Int64("errors", errCount),
	)
}

// expireOne transitions a single reservation to expired in its own
// transaction, releasing its held units. It returns the units released, or
// -1 when a concurrent writer already moved the reservation out of active.
func (s *Sweeper) expireOne(ctx context.Context, r *domain.Reservation) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	products := postgres.NewProductRepository(tx)
	reservations := postgres.NewReservationRepository(tx)

	// Claim the transition first; the status guard means a racing confirm
	// makes this a no-op and the whole expiry is skipped.
	ok, err := reservations.TransitionStatus(ctx, r.ID,
		domain.ReservationStatusActive, domain.ReservationStatusExpired)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}

	lines := make([]domain.Line, len(r.Lines))
	copy(lines, r.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	var released int64
	for _, line := range lines {
		if err := products.ReleaseReserved(ctx, line.ProductID, line.Quantity); err != nil {
			if errors.Is(err, apperrors.ErrInsufficient) {
				// A failed guard means the counter is already lower than
				// this hold, which indicates a prior partial release. Log
				// and keep going so one bad row cannot wedge the cycle.
				s.logger.ErrorContext(ctx, "release guard failed during expiry, skipping line",
					slog.String("reservation_id", r.ID),
					slog.String("product_id", line.ProductID),
					slog.Int64("quantity", line.Quantity),
					slog.String("error", err.Error()),
				)
				continue
			}
			return 0, err
		}
		released += line.Quantity
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return released, nil
}
