// Package catalog reads the event and ticket type records that the event
// catalog service owns.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"ms-checkout/internal/errs"
	"ms-checkout/internal/models"
)

func EventExists(ctx context.Context, db bun.IDB, eventID string) (bool, error) {
	exists, err := db.NewSelect().
		Model((*models.Event)(nil)).
		Where("id = ?", eventID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return exists, nil
}

// GetTicketType returns errs.ErrNotFound when the ticket type does not exist.
func GetTicketType(ctx context.Context, db bun.IDB, id string) (*models.TicketType, error) {
	var tt models.TicketType
	err := db.NewSelect().
		Model(&tt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket type %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket type %s: %w", id, err)
	}
	return &tt, nil
}

func ListTicketTypes(ctx context.Context, db bun.IDB, eventID string) ([]models.TicketType, error) {
	var types []models.TicketType
	err := db.NewSelect().
		Model(&types).
		Where("event_id = ?", eventID).
		OrderExpr("price ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ticket types for %s: %w", eventID, err)
	}
	return types, nil
}
