package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/pkg/database"
	apperrors "github.com/velocart/checkout/pkg/errors"
)

// --- Mock CartRepository ---

type mockCartRepository struct {
	mock.Mock
}

func (m *mockCartRepository) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Cart), args.Error(1)
}

func (m *mockCartRepository) Delete(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// --- Mock event producer ---

type mockEventPublisher struct {
	mock.Mock
}

func (m *mockEventPublisher) PublishReservationCreated(ctx context.Context, r *domain.Reservation) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *mockEventPublisher) PublishReservationCancelled(ctx context.Context, r *domain.Reservation) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *mockEventPublisher) PublishReservationExpired(ctx context.Context, r *domain.Reservation) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *mockEventPublisher) PublishOrderCreated(ctx context.Context, o *domain.Order) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

func (m *mockEventPublisher) PublishLowStock(ctx context.Context, s *domain.LowStockSignal) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// --- Test helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func setupEngine(t *testing.T) (*CheckoutService, pgxmock.PgxPoolIface, *mockCartRepository, *mockEventPublisher) {
	t.Helper()
	pool, err := database.NewMockPool()
	require.NoError(t, err)
	carts := new(mockCartRepository)
	producer := new(mockEventPublisher)
	svc := NewCheckoutService(pool, carts, producer, newTestLogger(), 10*time.Minute).
		WithClock(fixedClock)
	return svc, pool, carts, producer
}

var reservationColumns = []string{
	"id", "user_id", "status", "lines", "address",
	"shipping_method", "expires_at", "created_at", "updated_at",
}

var counterColumns = []string{
	"id", "sku", "name", "unit_price", "stock", "reserved", "low_stock_threshold",
}

func validAddress() domain.Address {
	return domain.Address{
		Name: "Asha Rao", Phone: "9876543210", Line1: "12 MG Road",
		City: "Bengaluru", State: "KA", Pincode: "560001",
	}
}

func validInput() ReserveInput {
	return ReserveInput{Address: validAddress(), ShippingMethod: domain.ShippingStandard}
}

// activeReservationRow builds a DB row for a usable single-line reservation.
func activeReservationRow(t *testing.T, id, userID string, expiresAt time.Time) *pgxmock.Rows {
	t.Helper()
	lines := []byte(`[{"product_id":"prod-a","sku":"SKU-A","name":"Alpha","unit_price":1000,"quantity":2}]`)
	address := []byte(`{"name":"Asha Rao","phone":"9876543210","line1":"12 MG Road","city":"Bengaluru","state":"KA","pincode":"560001"}`)
	return pgxmock.NewRows(reservationColumns).
		AddRow(id, userID, domain.ReservationStatusActive, lines, address,
			domain.ShippingStandard, expiresAt, testNow.Add(-time.Minute), testNow.Add(-time.Minute))
}

const (
	testToken = "99999999-9999-9999-9999-999999999999"
	testResID = "22222222-2222-2222-2222-222222222222"
)

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestReserve_Success_OrdersLinesByProductID(t *testing.T) {
	svc, pool, carts, producer := setupEngine(t)
	defer pool.Close()

	// Cart items arrive out of order; the engine must reserve prod-a first.
	carts.On("Get", mock.Anything, "user-1").Return(&domain.Cart{
		UserID: "user-1",
		Items: []domain.CartItem{
			{ProductID: "prod-b", Quantity: 1},
			{ProductID: "prod-a", Quantity: 2},
		},
	}, nil)
	producer.On("PublishReservationCreated", mock.Anything, mock.Anything).Return(nil)

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-a", int64(2)).
		WillReturnRows(pgxmock.NewRows(counterColumns).
			AddRow("prod-a", "SKU-A", "Alpha", int64(1000), int64(10), int64(2), int64(1)))
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-b", int64(1)).
		WillReturnRows(pgxmock.NewRows(counterColumns).
			AddRow("prod-b", "SKU-B", "Beta", int64(500), int64(5), int64(1), int64(1)))
	pool.ExpectExec("INSERT INTO reservations").
		WithArgs(pgxmock.AnyArg(), "user-1", domain.ReservationStatusActive,
			pgxmock.AnyArg(), pgxmock.AnyArg(), domain.ShippingStandard,
			testNow.Add(10*time.Minute), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	result, err := svc.Reserve(context.Background(), "user-1", validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReservationID)
	assert.Equal(t, testNow.Add(10*time.Minute), result.ExpiresAt)
	assert.NoError(t, pool.ExpectationsWereMet())
	producer.AssertExpectations(t)
}

func TestReserve_UnknownShippingMethod(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	input := validInput()
	input.ShippingMethod = "drone"

	result, err := svc.Reserve(context.Background(), "user-1", input)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestReserve_MissingAddressField(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	input := validInput()
	input.Address.Pincode = ""

	result, err := svc.Reserve(context.Background(), "user-1", input)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "pincode")
}

func TestReserve_EmptyCart(t *testing.T) {
	svc, pool, carts, _ := setupEngine(t)
	defer pool.Close()

	carts.On("Get", mock.Anything, "user-1").Return(nil, apperrors.NotFound("cart", "user-1"))

	result, err := svc.Reserve(context.Background(), "user-1", validInput())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "cart is empty")
}

func TestReserve_QuantityOverCap(t *testing.T) {
	svc, pool, carts, _ := setupEngine(t)
	defer pool.Close()

	carts.On("Get", mock.Anything, "user-1").Return(&domain.Cart{
		UserID: "user-1",
		Items:  []domain.CartItem{{ProductID: "prod-a", Quantity: domain.MaxLineQuantity + 1}},
	}, nil)

	result, err := svc.Reserve(context.Background(), "user-1", validInput())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestReserve_InsufficientAbortsWholeHold(t *testing.T) {
	svc, pool, carts, _ := setupEngine(t)
	defer pool.Close()

	carts.On("Get", mock.Anything, "user-1").Return(&domain.Cart{
		UserID: "user-1",
		Items: []domain.CartItem{
			{ProductID: "prod-a", Quantity: 2},
			{ProductID: "prod-b", Quantity: 3},
		},
	}, nil)

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-a", int64(2)).
		WillReturnRows(pgxmock.NewRows(counterColumns).
			AddRow("prod-a", "SKU-A", "Alpha", int64(1000), int64(10), int64(4), int64(1)))
	// Second line fails the guard; the whole transaction rolls back, so the
	// hold taken on prod-a never becomes visible.
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-b", int64(3)).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectQuery("SELECT .+ FROM products").
		WithArgs("prod-b").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "sku", "name", "unit_price", "stock", "reserved",
			"low_stock_threshold", "image_url", "created_at", "updated_at",
		}).AddRow("prod-b", "SKU-B", "Beta", int64(500), int64(3), int64(2),
			int64(1), "", testNow, testNow))
	pool.ExpectRollback()

	result, err := svc.Reserve(context.Background(), "user-1", validInput())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInsufficient)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestReserve_UnknownProductReadsAsValidation(t *testing.T) {
	svc, pool, carts, _ := setupEngine(t)
	defer pool.Close()

	carts.On("Get", mock.Anything, "user-1").Return(&domain.Cart{
		UserID: "user-1",
		Items:  []domain.CartItem{{ProductID: "prod-x", Quantity: 1}},
	}, nil)

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-x", int64(1)).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectQuery("SELECT .+ FROM products").
		WithArgs("prod-x").
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectRollback()

	result, err := svc.Reserve(context.Background(), "user-1", validInput())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "prod-x")
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestReserve_RetriesSerializationFailure(t *testing.T) {
	svc, pool, carts, producer := setupEngine(t)
	defer pool.Close()

	carts.On("Get", mock.Anything, "user-1").Return(&domain.Cart{
		UserID: "user-1",
		Items:  []domain.CartItem{{ProductID: "prod-a", Quantity: 1}},
	}, nil)
	producer.On("PublishReservationCreated", mock.Anything, mock.Anything).Return(nil)

	// First attempt hits a serialization failure and is retried.
	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-a", int64(1)).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	pool.ExpectRollback()

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("UPDATE products SET reserved = reserved \\+").
		WithArgs("prod-a", int64(1)).
		WillReturnRows(pgxmock.NewRows(counterColumns).
			AddRow("prod-a", "SKU-A", "Alpha", int64(1000), int64(10), int64(1), int64(1)))
	pool.ExpectExec("INSERT INTO reservations").
		WithArgs(pgxmock.AnyArg(), "user-1", domain.ReservationStatusActive,
			pgxmock.AnyArg(), pgxmock.AnyArg(), domain.ShippingStandard,
			testNow.Add(10*time.Minute), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	result, err := svc.Reserve(context.Background(), "user-1", validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReservationID)
	assert.NoError(t, pool.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Confirm
// ---------------------------------------------------------------------------

func TestConfirm_Success(t *testing.T) {
	svc, pool, carts, producer := setupEngine(t)
	defer pool.Close()

	carts.On("Delete", mock.Anything, "user-1").Return(nil)
	producer.On("PublishOrderCreated", mock.Anything, mock.Anything).Return(nil)

	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))
	pool.ExpectQuery("UPDATE products SET stock = stock -").
		WithArgs("prod-a", int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"stock", "low_stock_threshold"}).
			AddRow(int64(8), int64(1)))
	pool.ExpectExec("INSERT INTO orders").
		WithArgs(pgxmock.AnyArg(), "user-1", testResID, domain.OrderStatusCreated,
			pgxmock.AnyArg(), domain.ShippingStandard, int64(2000), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("INSERT INTO order_items").
		WithArgs(pgxmock.AnyArg(), "prod-a", "SKU-A", "Alpha", int64(1000), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("UPDATE reservations SET status").
		WithArgs(testResID, domain.ReservationStatusActive, domain.ReservationStatusConsumed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("UPDATE idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, domain.IdempotencySucceeded, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.OrderID)
	assert.Equal(t, domain.OrderStatusCreated, result.Status)
	assert.NoError(t, pool.ExpectationsWereMet())
	carts.AssertExpectations(t)
	producer.AssertExpectations(t)
}

func TestConfirm_ReplaysCachedResponse(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	cached := []byte(`{"order_id":"order-1","status":"created"}`)
	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectQuery("SELECT .+ FROM idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken).
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "endpoint", "key", "fingerprint", "status", "response", "created_at", "updated_at",
		}).AddRow("user-1", EndpointConfirm, testToken, "fp-1",
			domain.IdempotencySucceeded, cached, testNow, testNow))

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", result.OrderID)
	assert.Equal(t, domain.OrderStatusCreated, result.Status)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestConfirm_FingerprintMismatch(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-other", domain.IdempotencyInProgress).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectQuery("SELECT .+ FROM idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken).
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "endpoint", "key", "fingerprint", "status", "response", "created_at", "updated_at",
		}).AddRow("user-1", EndpointConfirm, testToken, "fp-1",
			domain.IdempotencySucceeded, []byte(`{}`), testNow, testNow))

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-other")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrIdempotency)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestConfirm_TokenMustBeUUID(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	result, err := svc.Confirm(context.Background(), "user-1", testResID, "not-a-uuid", "fp-1")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestConfirm_ExpiredReservationIsGone(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(-time.Second)))
	pool.ExpectRollback()

	// The failed attempt releases the slot for a later retry.
	pool.ExpectExec("UPDATE idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, domain.IdempotencyFailed, domain.IdempotencyInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrGone)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestConfirm_ForeignReservationIsForbidden(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-2", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-2"))

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))
	pool.ExpectRollback()

	pool.ExpectExec("UPDATE idempotency_records").
		WithArgs("user-2", EndpointConfirm, testToken, domain.IdempotencyFailed, domain.IdempotencyInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	result, err := svc.Confirm(context.Background(), "user-2", testResID, testToken, "fp-1")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestConfirm_SweeperWonRace(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))
	pool.ExpectQuery("UPDATE products SET stock = stock -").
		WithArgs("prod-a", int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"stock", "low_stock_threshold"}).
			AddRow(int64(8), int64(1)))
	pool.ExpectExec("INSERT INTO orders").
		WithArgs(pgxmock.AnyArg(), "user-1", testResID, domain.OrderStatusCreated,
			pgxmock.AnyArg(), domain.ShippingStandard, int64(2000), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("INSERT INTO order_items").
		WithArgs(pgxmock.AnyArg(), "prod-a", "SKU-A", "Alpha", int64(1000), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// The sweeper moved the reservation out of active between our read and
	// the status claim; the confirm must abort.
	pool.ExpectExec("UPDATE reservations SET status").
		WithArgs(testResID, domain.ReservationStatusActive, domain.ReservationStatusConsumed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	pool.ExpectRollback()

	pool.ExpectExec("UPDATE idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, domain.IdempotencyFailed, domain.IdempotencyInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrGone)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestConfirm_DuplicateFailureKeepsCachedResponse(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	consumedLines := []byte(`[{"product_id":"prod-a","sku":"SKU-A","name":"Alpha","unit_price":1000,"quantity":2}]`)
	address := []byte(`{"name":"Asha Rao","phone":"9876543210","line1":"12 MG Road","city":"Bengaluru","state":"KA","pincode":"560001"}`)
	cached := []byte(`{"order_id":"order-1","status":"created"}`)

	// A duplicate confirm finds the winner's in_progress record with the same
	// fingerprint and proceeds, per the semantics table.
	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectQuery("SELECT .+ FROM idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken).
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "endpoint", "key", "fingerprint", "status", "response", "created_at", "updated_at",
		}).AddRow("user-1", EndpointConfirm, testToken, "fp-1",
			domain.IdempotencyInProgress, []byte(nil), testNow, testNow))

	// The winner commits first, so the duplicate reads the reservation as
	// consumed and fails with Gone.
	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(pgxmock.NewRows(reservationColumns).
			AddRow(testResID, "user-1", domain.ReservationStatusConsumed, consumedLines, address,
				domain.ShippingStandard, testNow.Add(5*time.Minute), testNow, testNow))
	pool.ExpectRollback()

	// The status guard makes the duplicate's cleanup a no-op against the
	// winner's succeeded record instead of overwriting it.
	pool.ExpectExec("UPDATE idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, domain.IdempotencyFailed, domain.IdempotencyInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrGone)

	// A later retry with the same token and fingerprint replays the winner's
	// cached response.
	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectQuery("SELECT .+ FROM idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken).
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "endpoint", "key", "fingerprint", "status", "response", "created_at", "updated_at",
		}).AddRow("user-1", EndpointConfirm, testToken, "fp-1",
			domain.IdempotencySucceeded, cached, testNow, testNow))

	replay, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", replay.OrderID)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestConfirm_EmitsLowStockSignal(t *testing.T) {
	svc, pool, carts, producer := setupEngine(t)
	defer pool.Close()

	carts.On("Delete", mock.Anything, "user-1").Return(nil)
	producer.On("PublishOrderCreated", mock.Anything, mock.Anything).Return(nil)
	producer.On("PublishLowStock", mock.Anything, mock.Anything).Return(nil)

	pool.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, "fp-1", domain.IdempotencyInProgress).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))
	// Stock lands below the threshold after the decrement.
	pool.ExpectQuery("UPDATE products SET stock = stock -").
		WithArgs("prod-a", int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"stock", "low_stock_threshold"}).
			AddRow(int64(3), int64(5)))
	pool.ExpectExec("INSERT INTO orders").
		WithArgs(pgxmock.AnyArg(), "user-1", testResID, domain.OrderStatusCreated,
			pgxmock.AnyArg(), domain.ShippingStandard, int64(2000), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("INSERT INTO order_items").
		WithArgs(pgxmock.AnyArg(), "prod-a", "SKU-A", "Alpha", int64(1000), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("UPDATE reservations SET status").
		WithArgs(testResID, domain.ReservationStatusActive, domain.ReservationStatusConsumed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("INSERT INTO low_stock_signals").
		WithArgs(pgxmock.AnyArg(), "prod-a", int64(3), int64(5), false, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("UPDATE idempotency_records").
		WithArgs("user-1", EndpointConfirm, testToken, domain.IdempotencySucceeded, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	result, err := svc.Confirm(context.Background(), "user-1", testResID, testToken, "fp-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.OrderID)
	assert.NoError(t, pool.ExpectationsWereMet())
	producer.AssertExpectations(t)
}

// ---------------------------------------------------------------------------
// GetReservation / Cancel
// ---------------------------------------------------------------------------

func TestGetReservation_Success(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))

	view, err := svc.GetReservation(context.Background(), "user-1", testResID)
	require.NoError(t, err)
	assert.True(t, view.IsValid)
	assert.Equal(t, testResID, view.ID)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestGetReservation_ExpiredReadsAsInvalid(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(-time.Second)))

	view, err := svc.GetReservation(context.Background(), "user-1", testResID)
	require.NoError(t, err)
	assert.False(t, view.IsValid)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestGetReservation_ForeignReadsAsNotFound(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))

	view, err := svc.GetReservation(context.Background(), "user-2", testResID)
	assert.Nil(t, view)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestCancel_Success(t *testing.T) {
	svc, pool, _, producer := setupEngine(t)
	defer pool.Close()

	producer.On("PublishReservationCancelled", mock.Anything, mock.Anything).Return(nil)

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))
	pool.ExpectExec("UPDATE products SET reserved = reserved -").
		WithArgs("prod-a", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("UPDATE reservations SET status").
		WithArgs(testResID, domain.ReservationStatusActive, domain.ReservationStatusCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	err := svc.Cancel(context.Background(), "user-1", testResID)
	require.NoError(t, err)
	assert.NoError(t, pool.ExpectationsWereMet())
	producer.AssertExpectations(t)
}

func TestCancel_ForeignReservationIsForbidden(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(activeReservationRow(t, testResID, "user-1", testNow.Add(5*time.Minute)))
	pool.ExpectRollback()

	err := svc.Cancel(context.Background(), "user-2", testResID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestCancel_ConsumedReservationIsGone(t *testing.T) {
	svc, pool, _, _ := setupEngine(t)
	defer pool.Close()

	lines := []byte(`[{"product_id":"prod-a","sku":"SKU-A","name":"Alpha","unit_price":1000,"quantity":2}]`)
	address := []byte(`{"name":"Asha Rao","phone":"9876543210","line1":"12 MG Road","city":"Bengaluru","state":"KA","pincode":"560001"}`)

	pool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	pool.ExpectQuery("SELECT .+ FROM reservations WHERE id").
		WithArgs(testResID).
		WillReturnRows(pgxmock.NewRows(reservationColumns).
			AddRow(testResID, "user-1", domain.ReservationStatusConsumed, lines, address,
				domain.ShippingStandard, testNow.Add(5*time.Minute), testNow, testNow))
	pool.ExpectRollback()

	err := svc.Cancel(context.Background(), "user-1", testResID)
	assert.ErrorIs(t, err, apperrors.ErrGone)
	assert.NoError(t, pool.ExpectationsWereMet())
}
