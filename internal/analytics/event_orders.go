package analytics

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"ms-checkout/internal/errs"
	"ms-checkout/internal/models"
)

// OrderSortField defines the valid fields for sorting orders
type OrderSortField string

const (
	OrderSortByTotal     OrderSortField = "total"
	OrderSortByCreatedAt OrderSortField = "created_at"

	maxEventOrdersPage = 500
)

// EventOrderOptions contains options for filtering and sorting orders
type EventOrderOptions struct {
	Status   models.OrderStatus
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// GetEventOrders returns orders for a specific event with their tickets.
func (s *Service) GetEventOrders(ctx context.Context, eventID string, options EventOrderOptions) ([]models.OrderWithTickets, error) {
	q := s.db.NewSelect().
		Model((*models.Order)(nil)).
		Where("event_id = ?", eventID)

	if options.Status != "" {
		switch options.Status {
		case models.OrderPending, models.OrderConfirmed, models.OrderCancelled, models.OrderRefunded:
		default:
			return nil, fmt.Errorf("%w: unknown order status %q", errs.ErrValidation, options.Status)
		}
		q = q.Where("status = ?", options.Status)
	}

	direction := "DESC"
	if options.SortBy != "" && !options.SortDesc {
		direction = "ASC"
	}
	switch OrderSortField(strings.ToLower(options.SortBy)) {
	case OrderSortByTotal:
		q = q.Order("total " + direction)
	default:
		q = q.Order("created_at " + direction)
	}

	limit := options.Limit
	if limit <= 0 || limit > maxEventOrdersPage {
		limit = maxEventOrdersPage
	}
	q = q.Limit(limit)
	if options.Offset > 0 {
		q = q.Offset(options.Offset)
	}

	var orders []models.Order
	if err := q.Scan(ctx, &orders); err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", eventID, err)
	}

	if len(orders) == 0 {
		return []models.OrderWithTickets{}, nil
	}

	orderIDs := make([]string, len(orders))
	for i, order := range orders {
		orderIDs[i] = order.ID
	}

	var tickets []models.Ticket
	err := s.db.NewSelect().
		Model(&tickets).
		Where("order_id IN (?)", bun.In(orderIDs)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tickets for event %s: %w", eventID, err)
	}

	ticketsByOrderID := make(map[string][]models.Ticket)
	for _, ticket := range tickets {
		ticket.QRCode = nil
		ticketsByOrderID[ticket.OrderID] = append(ticketsByOrderID[ticket.OrderID], ticket)
	}

	result := make([]models.OrderWithTickets, len(orders))
	for i, order := range orders {
		result[i] = models.OrderWithTickets{
			Order:   order,
			Tickets: ticketsByOrderID[order.ID],
		}
	}
	return result, nil
}
