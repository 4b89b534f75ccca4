package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"cafeorders/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// OrderService defines the behavior needed by the HTTP adapter.
type OrderService interface {
	SubmitOrder(ctx context.Context, req orders.SubmitRequest) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID string) (orders.Order, error)
}

// Handler serves the order API.
type Handler struct {
	service OrderService
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewHandler constructs a Handler. A nil logger disables logging.
func NewHandler(service OrderService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("cafeorders/internal/adapters/httpapi"),
	}
}

// Mount registers the order routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/orders", h.submitOrder)
	r.Get("/api/orders/{orderId}", h.getOrder)
	r.Post("/api/orders/{orderId}/cancel", h.cancelOrder)
}

// Routes returns a router serving only the order routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

type orderResponse struct {
	OrderID       string            `json:"orderId,omitempty"`
	Status        orders.Status     `json:"status,omitempty"`
	TotalAmount   *decimal.Decimal  `json:"totalAmount,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Degraded      bool              `json:"degraded,omitempty"`
	Items         []orders.LineItem `json:"items,omitempty"`
	Shortages     []orders.Shortage `json:"shortages,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SubmitOrder")
	defer span.End()

	var req orders.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	order, err := h.service.SubmitOrder(ctx, req)
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.status", string(order.Status)))
	h.respond(w, order, err, http.StatusCreated)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	h.respond(w, order, err, http.StatusOK)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	order, err := h.service.CancelOrder(ctx, chi.URLParam(r, "orderId"))
	h.respond(w, order, err, http.StatusOK)
}

func (h *Handler) respond(w http.ResponseWriter, order orders.Order, err error, okStatus int) {
	body := toResponse(order)
	code := okStatus
	if err != nil {
		code = StatusFor(err)
		if code != http.StatusAccepted {
			body.Error = err.Error()
		}
		var shortage *orders.InsufficientStockError
		if errors.As(err, &shortage) {
			body.Shortages = shortage.Shortages
		}
		if code >= http.StatusInternalServerError {
			h.logger.Error("order request failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	writeJSON(w, code, body)
}

func toResponse(order orders.Order) orderResponse {
	if order.ID == "" {
		return orderResponse{}
	}
	total := order.TotalAmount
	return orderResponse{
		OrderID:       order.ID,
		Status:        order.Status,
		TotalAmount:   &total,
		FailureReason: order.FailureReason,
		Degraded:      order.Degraded,
		Items:         order.Items,
	}
}

// StatusFor maps a domain error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orders.ErrSagaInProgress):
		return http.StatusAccepted
	case errors.Is(err, orders.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, orders.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrCompensationFailed):
		return http.StatusInternalServerError
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrIdempotencyConflict),
		errors.Is(err, orders.ErrNotCancellable),
		errors.Is(err, orders.ErrOrderCancelled):
		return http.StatusConflict
	case orders.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
