package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-checkout/internal/database"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/models"
)

// ---------------- ORDERS ----------------

// GetOrder → fetch one order with its line items
func GetOrder(ctx context.Context, db bun.IDB, id string) (*models.Order, error) {
	var order models.Order
	err := db.NewSelect().
		Model(&order).
		Relation("LineItems").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &order, nil
}

// CreateOrder → insert the order and its line items
func CreateOrder(ctx context.Context, db bun.IDB, order *models.Order) error {
	if _, err := db.NewInsert().Model(order).Exec(ctx); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if len(order.LineItems) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&order.LineItems).Exec(ctx); err != nil {
		return fmt.Errorf("insert line items: %w", err)
	}
	return nil
}

// TransitionStatus moves the order from one status to another in a single
// conditional update. It reports false when the order was not in from.
func TransitionStatus(ctx context.Context, db bun.IDB, id string, from, to models.OrderStatus, at time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, errs.ErrInvalidTransition)
	}

	q := db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", from)

	switch to {
	case models.OrderConfirmed:
		q = q.Set("confirmed_at = ?", at)
	case models.OrderCancelled:
		q = q.Set("cancelled_at = ?", at)
	case models.OrderRefunded:
		q = q.Set("refunded_at = ?", at)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("order %s %s -> %s: %w", id, from, to, err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListByUser → all orders of a user, newest first
func ListByUser(ctx context.Context, db bun.IDB, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := db.NewSelect().
		Model(&orders).
		Relation("LineItems").
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %s: %w", userID, err)
	}
	return orders, nil
}

// ---------------- RELATION QUERIES ----------------

// GetOrdersWithTicketsByUserID → fetch all orders with tickets for a given user_id
func GetOrdersWithTicketsByUserID(ctx context.Context, db bun.IDB, userID string) ([]models.OrderWithTickets, error) {
	orders, err := ListByUser(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []models.OrderWithTickets{}, nil
	}

	orderIDs := make([]string, len(orders))
	for i, order := range orders {
		orderIDs[i] = order.ID
	}

	var tickets []models.Ticket
	err = db.NewSelect().
		Model(&tickets).
		Where("order_id IN (?)", bun.In(orderIDs)).
		OrderExpr("order_id, issued_at").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tickets for user %s: %w", userID, err)
	}

	ticketsByOrder := make(map[string][]models.Ticket)
	for _, ticket := range tickets {
		ticketsByOrder[ticket.OrderID] = append(ticketsByOrder[ticket.OrderID], ticket)
	}

	result := make([]models.OrderWithTickets, len(orders))
	for i, order := range orders {
		result[i] = models.OrderWithTickets{
			Order:   order,
			Tickets: ticketsByOrder[order.ID],
		}
		if result[i].Tickets == nil {
			result[i].Tickets = []models.Ticket{}
		}
	}
	return result, nil
}
