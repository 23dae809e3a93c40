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

// The functions take a bun.IDB so issuance and cancellation can run inside
// the caller's order transaction.

func GetTicketByCode(ctx context.Context, db bun.IDB, code string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := db.NewSelect().
		Model(&ticket).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket: %w", errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket by code: %w", err)
	}
	return &ticket, nil
}

func CodeExists(ctx context.Context, db bun.IDB, code string) (bool, error) {
	exists, err := db.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("code = ?", code).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check ticket code: %w", err)
	}
	return exists, nil
}

func CreateTickets(ctx context.Context, db bun.IDB, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&tickets).Exec(ctx); err != nil {
		return fmt.Errorf("insert tickets: %w", err)
	}
	return nil
}

func GetTicketsByOrder(ctx context.Context, db bun.IDB, orderID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := db.NewSelect().
		Model(&tickets).
		Where("order_id = ?", orderID).
		OrderExpr("issued_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tickets for order %s: %w", orderID, err)
	}
	return tickets, nil
}

// MarkUsed flips a VALID ticket to USED. It reports false when the ticket is
// missing or not VALID.
func MarkUsed(ctx context.Context, db bun.IDB, code string, at time.Time) (bool, error) {
	res, err := db.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketUsed).
		Set("scanned_at = ?", at).
		Where("code = ?", code).
		Where("status = ?", models.TicketValid).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("mark ticket used: %w", err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelByOrder cancels every ticket of the order that is not already cancelled.
func CancelByOrder(ctx context.Context, db bun.IDB, orderID string) (int64, error) {
	res, err := db.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketCancelled).
		Where("order_id = ?", orderID).
		Where("status != ?", models.TicketCancelled).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel tickets for order %s: %w", orderID, err)
	}
	return database.RowsAffected(res)
}
