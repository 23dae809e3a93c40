// Package storage persists payment intents. Status changes are conditional
// updates so concurrent webhooks, confirmations and sweeps agree on a single
// winner.
package storage

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

func SavePaymentIntent(ctx context.Context, db bun.IDB, intent *models.PaymentIntent) error {
	if _, err := db.NewInsert().Model(intent).Exec(ctx); err != nil {
		return fmt.Errorf("insert payment intent %s: %w", intent.ExternalID, err)
	}
	return nil
}

func GetByExternalID(ctx context.Context, db bun.IDB, externalID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := db.NewSelect().
		Model(&intent).
		Where("external_id = ?", externalID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment intent %s: %w", externalID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", externalID, err)
	}
	return &intent, nil
}

// LatestForOrder returns the most recent intent of the order in the given
// status, or ErrNotFound.
func LatestForOrder(ctx context.Context, db bun.IDB, orderID string, status models.PaymentStatus) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := db.NewSelect().
		Model(&intent).
		Where("order_id = ?", orderID).
		Where("status = ?", status).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s payment intent for order %s: %w", status, orderID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment intent for order %s: %w", orderID, err)
	}
	return &intent, nil
}

func CountForOrder(ctx context.Context, db bun.IDB, orderID string) (int, error) {
	n, err := db.NewSelect().
		Model((*models.PaymentIntent)(nil)).
		Where("order_id = ?", orderID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count payment intents for order %s: %w", orderID, err)
	}
	return n, nil
}

// MarkSucceeded moves a PENDING or FAILED intent to SUCCEEDED. Only the first
// caller sees true.
func MarkSucceeded(ctx context.Context, db bun.IDB, externalID string, at time.Time) (bool, error) {
	return transition(ctx, db, externalID, models.PaymentSucceeded, at, models.PaymentPending, models.PaymentFailed)
}

// MarkFailed moves a PENDING intent to FAILED. A SUCCEEDED intent is never
// downgraded.
func MarkFailed(ctx context.Context, db bun.IDB, externalID string, at time.Time) (bool, error) {
	return transition(ctx, db, externalID, models.PaymentFailed, at, models.PaymentPending)
}

// RevokeSuccess moves an intent back from SUCCEEDED to FAILED. Used inside the
// confirming transaction when the payment reached an order that had already
// settled, so an order never has more than one SUCCEEDED intent.
func RevokeSuccess(ctx context.Context, db bun.IDB, externalID string, at time.Time) (bool, error) {
	return transition(ctx, db, externalID, models.PaymentFailed, at, models.PaymentSucceeded)
}

func transition(ctx context.Context, db bun.IDB, externalID string, to models.PaymentStatus, at time.Time, from ...models.PaymentStatus) (bool, error) {
	res, err := db.NewUpdate().
		Model((*models.PaymentIntent)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", at).
		Where("external_id = ?", externalID).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("payment intent %s -> %s: %w", externalID, to, err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
