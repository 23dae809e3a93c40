package order_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-checkout/internal/auth"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/utils"
)

const sseHeartbeat = 15 * time.Second

type OrderStream interface {
	SubscribeToOrder(ctx context.Context, orderID string) <-chan models.OrderEvent
}

// SSEHandler streams an order's lifecycle events so a client waiting on
// payment learns about confirmation without polling.
type SSEHandler struct {
	Orders  OrderService
	Streams OrderStream
	Logger  *logger.Logger
}

func NewSSEHandler(orders OrderService, streams OrderStream, log *logger.Logger) *SSEHandler {
	return &SSEHandler{Orders: orders, Streams: streams, Logger: log}
}

func (h *SSEHandler) Routes(r chi.Router) {
	r.Get("/orders/{orderId}/events", h.HandleOrderEvents)
}

// HandleOrderEvents sends the current status first, then every transition,
// and ends the stream once the order leaves PENDING.
func (h *SSEHandler) HandleOrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// subscribe before reading the order so no transition falls in between
	events := h.Streams.SubscribeToOrder(ctx, orderID)

	order, err := h.Orders.GetForUser(ctx, orderID, auth.UserID(ctx))
	if err != nil {
		h.Logger.Warn("SSE", fmt.Sprintf("Order stream for %s refused: %v", orderID, err))
		utils.WriteError(w, err)
		return
	}

	// the server write timeout would otherwise cut long streams
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.Logger.Debug("SSE", fmt.Sprintf("Could not clear write deadline for order %s stream: %v", orderID, err))
	}

	h.setupSSEHeaders(w)
	h.send(w, "status", models.OrderResponse{
		OrderID:  order.ID,
		Status:   order.Status,
		Subtotal: order.Subtotal,
		Discount: order.Discount,
		Total:    order.Total,
		Currency: order.Currency,
	})
	flusher.Flush()

	if order.Status != models.OrderPending {
		return
	}
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to order events for order: %s", orderID))

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			h.send(w, event.Type, event)
			flusher.Flush()
			if event.Status != models.OrderPending {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from order events for: %s", orderID))
			return
		}
	}
}

func (h *SSEHandler) send(w http.ResponseWriter, name string, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize order event: %v", err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, jsonData)
}

// Helper function to set up SSE headers
func (h *SSEHandler) setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
