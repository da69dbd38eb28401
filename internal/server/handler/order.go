package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/service"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, *domain.CancelRecord, error)
	GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	ListOpenOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

// placeOrderRequest is the JSON body for order placement.
type placeOrderRequest struct {
	MarketID        string     `json:"market_id"`
	Outcome         int        `json:"outcome"`
	UserID          string     `json:"user_id"`
	Side            string     `json:"side"`
	Type            string     `json:"type"`
	TIF             string     `json:"tif"`
	Price           float64    `json:"price"`
	Quantity        float64    `json:"quantity"`
	DisplayQuantity float64    `json:"display_quantity"`
	TriggerPrice    float64    `json:"trigger_price"`
	TrailingOffset  float64    `json:"trailing_offset"`
	ExpiresAt       *time.Time `json:"expires_at"`
	IdempotencyKey  string     `json:"idempotency_key"`
}

// PlaceOrder creates a new order from a JSON body. The response carries the
// order as it stood when placement committed; matching may still be running.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if body.UserID == "" {
		body.UserID = requestUserID(r)
	}
	if body.MarketID == "" || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "market_id and user_id are required")
		return
	}

	order, err := h.orders.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		MarketID:        body.MarketID,
		Outcome:         body.Outcome,
		UserID:          body.UserID,
		Side:            domain.OrderSide(body.Side),
		Type:            domain.OrderType(body.Type),
		TIF:             domain.TimeInForce(body.TIF),
		Price:           body.Price,
		Quantity:        body.Quantity,
		DisplayQuantity: body.DisplayQuantity,
		TriggerPrice:    body.TriggerPrice,
		TrailingOffset:  body.TrailingOffset,
		ExpiresAt:       body.ExpiresAt,
		IdempotencyKey:  body.IdempotencyKey,
	})
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// cancelOrderResponse pairs the cancelled order with the id of the durable
// cancel record a signed confirmation can be fetched against.
type cancelOrderResponse struct {
	Order          domain.Order `json:"order"`
	CancelRecordID string       `json:"cancel_record_id,omitempty"`
}

// CancelOrder cancels an existing order by its ID.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	order, rec, err := h.orders.CancelOrder(r.Context(), userID, id)
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	resp := cancelOrderResponse{Order: order}
	if rec != nil {
		resp.CancelRecordID = rec.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder returns a single order owned by the requesting user.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), userID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns the requesting user's open orders.
// GET /api/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	orders, err := h.orders.ListOpenOrders(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	if orders == nil {
		orders = []domain.Order{}
	}

	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}
