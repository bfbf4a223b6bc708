package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/internal/service"
	apperrors "github.com/velocart/checkout/pkg/errors"
	"github.com/velocart/checkout/pkg/httputil"
	"github.com/velocart/checkout/pkg/middleware"
	"github.com/velocart/checkout/pkg/validator"
)

// HeaderIdempotencyKey carries the caller-generated confirm token.
const HeaderIdempotencyKey = "Idempotency-Key"

// CheckoutHandler handles HTTP requests for the reserve/confirm protocol.
type CheckoutHandler struct {
	service *service.CheckoutService
	logger  *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(svc *service.CheckoutService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// AddressRequest is the destination address part of a reserve request.
type AddressRequest struct {
	Name    string `json:"name" validate:"required"`
	Phone   string `json:"phone" validate:"required"`
	Line1   string `json:"line1" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state" validate:"required"`
	Pincode string `json:"pincode" validate:"required"`
}

// ReserveRequest is the JSON request body for placing a reservation. The
// lines come from the caller's server-side cart, not the body.
type ReserveRequest struct {
	Address        AddressRequest `json:"address" validate:"required"`
	ShippingMethod string         `json:"shipping_method" validate:"required,oneof=standard express"`
}

// ConfirmRequest is the JSON request body for confirming a reservation.
type ConfirmRequest struct {
	ReservationID string `json:"reservation_id" validate:"required,uuid"`
}

// --- Handlers ---

// Reserve handles POST /api/v1/checkout/reserve
func (h *CheckoutHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req ReserveRequest
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

	result, err := h.service.Reserve(r.Context(), userID, service.ReserveInput{
		Address: domain.Address{
			Name:    req.Address.Name,
			Phone:   req.Address.Phone,
			Line1:   req.Address.Line1,
			City:    req.Address.City,
			State:   req.Address.State,
			Pincode: req.Address.Pincode,
		},
		ShippingMethod: req.ShippingMethod,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: result})
}

// Confirm handles POST /api/v1/checkout/confirm
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	token := r.Header.Get(HeaderIdempotencyKey)
	if token == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("Idempotency-Key header is required"), h.logger)
		return
	}

	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req ConfirmRequest
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

	fingerprint, err := domain.Fingerprint(req)
	if err != nil {
		httputil.WriteError(w, r, apperrors.Internal(err), h.logger)
		return
	}

	result, err := h.service.Confirm(r.Context(), userID, req.ReservationID, token, fingerprint)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: result})
}

// GetReservation handles GET /api/v1/checkout/reservations/{reservationId}
func (h *CheckoutHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	reservationID, ok := httputil.ParseUUID(w, chi.URLParam(r, "reservationId"))
	if !ok {
		return
	}

	view, err := h.service.GetReservation(r.Context(), userID, reservationID.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: view})
}

// Cancel handles POST /api/v1/checkout/reservations/{reservationId}/cancel
func (h *CheckoutHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	reservationID, ok := httputil.ParseUUID(w, chi.URLParam(r, "reservationId"))
	if !ok {
		return
	}

	if err := h.service.Cancel(r.Context(), userID, reservationID.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{
		"reservation_id": reservationID.String(),
		"status":         domain.ReservationStatusCancelled,
	}})
}
