package analytics_api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ms-checkout/internal/analytics"
	"ms-checkout/internal/auth"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/utils"
)

type Reporter interface {
	GetEventSales(ctx context.Context, eventID string) (*analytics.EventSales, error)
	GetEventOrders(ctx context.Context, eventID string, options analytics.EventOrderOptions) ([]models.OrderWithTickets, error)
}

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service Reporter
	Logger  *logger.Logger
	admins  map[string]struct{}
}

// NewHandler creates a handler that only serves the given admin user ids.
func NewHandler(service Reporter, admins []string, log *logger.Logger) *Handler {
	set := make(map[string]struct{}, len(admins))
	for _, id := range admins {
		set[id] = struct{}{}
	}
	return &Handler{Service: service, Logger: log, admins: set}
}

// RegisterRoutes registers the analytics routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/analytics", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/events/{eventId}/sales", h.GetEventSales)
		r.Get("/events/{eventId}/orders", h.GetEventOrders)
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		if _, ok := h.admins[userID]; !ok {
			h.Logger.Warn("ANALYTICS", fmt.Sprintf("User %s attempted to access %s without permission", userID, r.URL.Path))
			utils.WriteError(w, fmt.Errorf("analytics: %w", errs.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetEventSales handles the sales report request for an event
func (h *Handler) GetEventSales(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")

	report, err := h.Service.GetEventSales(r.Context(), eventID)
	if err != nil {
		h.Logger.Error("ANALYTICS", "Error getting event sales: "+err.Error())
		utils.WriteError(w, err)
		return
	}
	if err := utils.WriteJSON(w, http.StatusOK, report); err != nil {
		h.Logger.Error("ANALYTICS", "Failed to encode sales report: "+err.Error())
	}
}

// GetEventOrders lists an event's orders.
// Query: status, sort (total|created_at), desc, limit, offset.
func (h *Handler) GetEventOrders(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	q := r.URL.Query()

	options := analytics.EventOrderOptions{
		Status:   models.OrderStatus(strings.ToUpper(q.Get("status"))),
		SortBy:   q.Get("sort"),
		SortDesc: q.Get("desc") == "true",
	}
	var err error
	if options.Limit, err = intParam(q.Get("limit")); err != nil {
		utils.WriteError(w, err)
		return
	}
	if options.Offset, err = intParam(q.Get("offset")); err != nil {
		utils.WriteError(w, err)
		return
	}

	orders, err := h.Service.GetEventOrders(r.Context(), eventID, options)
	if err != nil {
		h.Logger.Error("ANALYTICS", "Error getting event orders: "+err.Error())
		utils.WriteError(w, err)
		return
	}
	if err := utils.WriteJSON(w, http.StatusOK, orders); err != nil {
		h.Logger.Error("ANALYTICS", "Failed to encode event orders: "+err.Error())
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errs.ErrValidation, s)
	}
	return n, nil
}
