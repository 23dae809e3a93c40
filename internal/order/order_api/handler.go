package order_api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-checkout/internal/auth"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order"
	"ms-checkout/internal/payment"
	"ms-checkout/internal/utils"
)

type OrderService interface {
	Create(ctx context.Context, in order.CreateOrderInput) (*models.Order, error)
	GetForUser(ctx context.Context, id, userID string) (*models.Order, error)
	ListByUser(ctx context.Context, userID string) ([]models.OrderWithTickets, error)
}

type PaymentService interface {
	CreateIntent(ctx context.Context, orderID, userID string) (*models.PaymentIntentResponse, error)
	ConfirmForUser(ctx context.Context, externalID, userID string) (*payment.ConfirmResult, error)
	HandleStripeWebhook(req *http.Request) error
}

type RefundService interface {
	Refund(ctx context.Context, orderID, userID string) (*models.RefundResponse, error)
}

type TicketLister interface {
	ListByOrder(ctx context.Context, orderID string) ([]models.Ticket, error)
}

type Handler struct {
	Orders   OrderService
	Payments PaymentService
	Refunds  RefundService
	Tickets  TicketLister
	Logger   *logger.Logger
}

func NewHandler(orders OrderService, payments PaymentService, refunds RefundService, tickets TicketLister, log *logger.Logger) *Handler {
	return &Handler{
		Orders:   orders,
		Payments: payments,
		Refunds:  refunds,
		Tickets:  tickets,
		Logger:   log,
	}
}

// Routes mounts the authenticated order and payment endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.CreateOrder)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{orderId}", h.GetOrder)
	r.Get("/orders/{orderId}/tickets", h.GetOrderTickets)
	r.Post("/orders/{orderId}/payment-intent", h.CreatePaymentIntent)
	r.Post("/orders/{orderId}/refund", h.RefundOrder)
	r.Post("/payments/confirm", h.ConfirmPayment)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteError(w, err)
}

func (h *Handler) respond(w http.ResponseWriter, op string, status int, v interface{}) {
	if err := utils.WriteJSON(w, status, v); err != nil {
		h.Logger.Error("API", fmt.Sprintf("%s: failed to encode response: %v", op, err))
	}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req models.CreateOrderRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, "CreateOrder", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("CreateOrder: user=%s ticket_type=%s quantity=%d", userID, req.TicketTypeID, req.Quantity))

	created, err := h.Orders.Create(r.Context(), order.CreateOrderInput{
		UserID:       userID,
		EventID:      req.EventID,
		TicketTypeID: req.TicketTypeID,
		Quantity:     req.Quantity,
		PromoCode:    req.PromoCode,
	})
	if err != nil {
		h.fail(w, "CreateOrder", err)
		return
	}

	h.respond(w, "CreateOrder", http.StatusCreated, models.OrderResponse{
		OrderID:  created.ID,
		Status:   created.Status,
		Subtotal: created.Subtotal,
		Discount: created.Discount,
		Total:    created.Total,
		Currency: created.Currency,
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Debug("API", fmt.Sprintf("GetOrder: orderId=%s", orderID))

	o, err := h.Orders.GetForUser(r.Context(), orderID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "GetOrder", err)
		return
	}
	h.respond(w, "GetOrder", http.StatusOK, o)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Orders.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "ListOrders", err)
		return
	}
	if orders == nil {
		orders = []models.OrderWithTickets{}
	}
	h.respond(w, "ListOrders", http.StatusOK, orders)
}

func (h *Handler) GetOrderTickets(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	if _, err := h.Orders.GetForUser(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.fail(w, "GetOrderTickets", err)
		return
	}
	tickets, err := h.Tickets.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.fail(w, "GetOrderTickets", err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	h.respond(w, "GetOrderTickets", http.StatusOK, tickets)
}
