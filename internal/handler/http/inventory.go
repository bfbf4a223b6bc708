package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/internal/service"
	"github.com/velocart/checkout/pkg/httputil"
	"github.com/velocart/checkout/pkg/pagination"
	"github.com/velocart/checkout/pkg/validator"
)

// InventoryHandler handles HTTP requests for inventory seeding, reads, and
// low-stock signal administration.
type InventoryHandler struct {
	service *service.InventoryService
	logger  *slog.Logger
}

// NewInventoryHandler creates a new inventory HTTP handler.
func NewInventoryHandler(svc *service.InventoryService, logger *slog.Logger) *InventoryHandler {
	return &InventoryHandler{
		service: svc,
		logger:  logger,
	}
}

// SeedProductRequest is the JSON request body for seeding a product.
type SeedProductRequest struct {
	ID                string `json:"id" validate:"omitempty,uuid"`
	SKU               string `json:"sku" validate:"required"`
	Name              string `json:"name" validate:"required"`
	UnitPrice         int64  `json:"unit_price" validate:"gte=0"`
	Stock             int64  `json:"stock" validate:"gte=0"`
	Reserved          int64  `json:"reserved" validate:"gte=0"`
	LowStockThreshold int64  `json:"low_stock_threshold" validate:"gte=0"`
	ImageURL          string `json:"image_url" validate:"omitempty,url"`
}

// productView adds the derived availability to a product response.
type productView struct {
	*domain.Product
	Available int64 `json:"available"`
}

// SeedProduct handles POST /api/v1/inventory
func (h *InventoryHandler) SeedProduct(w http.ResponseWriter, r *http.Request) {
	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req SeedProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	product, err := h.service.SeedProduct(r.Context(), &domain.Product{
		ID:                req.ID,
		SKU:               req.SKU,
		Name:              req.Name,
		UnitPrice:         req.UnitPrice,
		Stock:             req.Stock,
		Reserved:          req.Reserved,
		LowStockThreshold: req.LowStockThreshold,
		ImageURL:          req.ImageURL,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{
		Data: productView{Product: product, Available: product.Available()},
	})
}

// GetProduct handles GET /api/v1/inventory/{productId}
func (h *InventoryHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := httputil.ParseUUID(w, chi.URLParam(r, "productId"))
	if !ok {
		return
	}

	product, err := h.service.GetProduct(r.Context(), productID.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: productView{Product: product, Available: product.Available()},
	})
}

// ListLowStockSignals handles GET /api/v1/low-stock-signals
func (h *InventoryHandler) ListLowStockSignals(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	signals, total, err := h.service.ListLowStockSignals(r.Context(), params)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK,
		httputil.NewPaginatedResponse(signals, total, params.Page, params.PerPage))
}

// AckLowStockSignal handles POST /api/v1/low-stock-signals/{signalId}/ack
func (h *InventoryHandler) AckLowStockSignal(w http.ResponseWriter, r *http.Request) {
	signalID, ok := httputil.ParseUUID(w, chi.URLParam(r, "signalId"))
	if !ok {
		return
	}

	if err := h.service.AckLowStockSignal(r.Context(), signalID.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"signal_id": signalID.String(),
		"processed": true,
	}})
}
