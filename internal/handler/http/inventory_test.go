package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocart/checkout/internal/repository/postgres"
	"github.com/velocart/checkout/internal/service"
	"github.com/velocart/checkout/pkg/database"
)

func testInventoryHandler(t *testing.T) (*InventoryHandler, pgxmock.PgxPoolIface) {
	t.Helper()
	pool, err := database.NewMockPool()
	require.NoError(t, err)
	svc := service.NewInventoryService(
		postgres.NewProductRepository(pool),
		postgres.NewLowStockRepository(pool),
		testLogger(),
	)
	return NewInventoryHandler(svc, testLogger()), pool
}

func TestSeedProductHandler_Success(t *testing.T) {
	handler, pool := testInventoryHandler(t)
	defer pool.Close()

	pool.ExpectExec("INSERT INTO products").
		WithArgs(pgxmock.AnyArg(), "KB-0042", "Keyboard", int64(12900),
			int64(50), int64(0), int64(5), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	body := []byte(`{"sku":"KB-0042","name":"Keyboard","unit_price":12900,"stock":50,"low_stock_threshold":5}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.SeedProduct(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data struct {
			ID        string `json:"id"`
			Available int64  `json:"available"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.ID)
	assert.Equal(t, int64(50), resp.Data.Available)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestSeedProductHandler_ValidationError(t *testing.T) {
	handler, pool := testInventoryHandler(t)
	defer pool.Close()

	body := []byte(`{"name":"Keyboard","stock":-1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.SeedProduct(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestGetProductHandler_NotFound(t *testing.T) {
	handler, pool := testInventoryHandler(t)
	defer pool.Close()

	id := "11111111-1111-1111-1111-111111111111"
	pool.ExpectQuery("SELECT .+ FROM products").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory/"+id, nil)
	req = withURLParam(req, "productId", id)
	rec := httptest.NewRecorder()
	handler.GetProduct(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestListLowStockSignalsHandler_Success(t *testing.T) {
	handler, pool := testInventoryHandler(t)
	defer pool.Close()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pool.ExpectQuery("SELECT COUNT\\(\\*\\) FROM low_stock_signals").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	pool.ExpectQuery("SELECT .+ FROM low_stock_signals").
		WithArgs(20, 0).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "product_id", "stock_after", "threshold", "processed", "created_at"}).
				AddRow("sig-1", "prod-1", int64(3), int64(5), false, created),
		)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/low-stock-signals", nil)
	rec := httptest.NewRecorder()
	handler.ListLowStockSignals(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sig-1")
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestAckLowStockSignalHandler_NotFound(t *testing.T) {
	handler, pool := testInventoryHandler(t)
	defer pool.Close()

	id := "44444444-4444-4444-4444-444444444444"
	pool.ExpectExec("UPDATE low_stock_signals").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/low-stock-signals/"+id+"/ack", nil)
	req = withURLParam(req, "signalId", id)
	rec := httptest.NewRecorder()
	handler.AckLowStockSignal(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestContentTypeJSON_RejectsNonJSONWrites(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := ContentTypeJSON(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/reserve", nil)
	req.Header.Set("Content-Type", "text/xml")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/inventory/x", nil)
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
