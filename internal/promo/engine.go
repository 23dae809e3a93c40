// Package promo validates promo codes, prices their discounts and spends
// their usage budget.
package promo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-checkout/internal/database"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
)

type Engine struct {
	log *logger.Logger
	Now func() time.Time
}

func NewEngine(log *logger.Logger) *Engine {
	return &Engine{
		log: log,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// ValidationResult is a promo code that passed every check, priced for the
// given subtotal.
type ValidationResult struct {
	Promo          *models.PromoCode
	DiscountAmount decimal.Decimal
}

// NormalizeCode is the canonical form codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate runs every check in a fixed order and reports the first failure
// as a *errs.PromoCodeError.
func (e *Engine) Validate(ctx context.Context, db bun.IDB, code, userID, eventID string, subtotal decimal.Decimal) (*ValidationResult, error) {
	code = NormalizeCode(code)
	now := e.Now()

	var promo models.PromoCode
	err := db.NewSelect().Model(&promo).Where("code = ?", code).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewPromoError(code, errs.ReasonNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get promo code %s: %w", code, err)
	}

	if !promo.Active {
		return nil, errs.NewPromoError(code, errs.ReasonInactive)
	}
	if now.Before(promo.ValidFrom) {
		return nil, errs.NewPromoError(code, errs.ReasonNotYetValid)
	}
	if now.After(promo.ValidUntil) {
		return nil, errs.NewPromoError(code, errs.ReasonExpired)
	}
	if promo.MaxUses != nil && promo.UsedCount >= *promo.MaxUses {
		return nil, errs.NewPromoError(code, errs.ReasonExhausted)
	}
	if !promo.AppliesToEvent(eventID) {
		return nil, errs.NewPromoError(code, errs.ReasonNotApplicable)
	}
	if subtotal.LessThan(promo.MinPurchase) {
		return nil, errs.NewPromoError(code, errs.ReasonBelowMinimum)
	}
	if err := e.checkPerUserLimit(ctx, db, &promo, userID); err != nil {
		return nil, err
	}

	return &ValidationResult{
		Promo:          &promo,
		DiscountAmount: ComputeDiscount(&promo, subtotal),
	}, nil
}

func (e *Engine) checkPerUserLimit(ctx context.Context, db bun.IDB, promo *models.PromoCode, userID string) error {
	if promo.MaxUsesPerUser == nil {
		return nil
	}
	used, err := db.NewSelect().
		Model((*models.PromoCodeUsage)(nil)).
		Where("promo_code_id = ?", promo.ID).
		Where("user_id = ?", userID).
		Where("order_id NOT IN (?)", db.NewSelect().
			Model((*models.Order)(nil)).
			Column("id").
			Where("status = ?", models.OrderCancelled)).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("count promo usage: %w", err)
	}
	if used >= *promo.MaxUsesPerUser {
		return errs.NewPromoError(promo.Code, errs.ReasonPerUserLimit)
	}
	return nil
}

// Apply spends one use of the promo budget for orderID. db must be the
// order's transaction: the conditional increment locks the promo row, so the
// per-user re-check and the usage insert below cannot interleave with another
// application of the same code.
func (e *Engine) Apply(ctx context.Context, db bun.IDB, promo *models.PromoCode, userID, orderID string, amount decimal.Decimal) (*models.PromoCodeUsage, error) {
	res, err := db.NewUpdate().
		Model((*models.PromoCode)(nil)).
		Set("used_count = used_count + 1").
		Where("id = ?", promo.ID).
		Where("active = ?", true).
		Where("(max_uses IS NULL OR used_count < max_uses)").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("increment promo usage: %w", err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errs.NewPromoError(promo.Code, errs.ReasonExhausted)
	}

	if err := e.checkPerUserLimit(ctx, db, promo, userID); err != nil {
		return nil, err
	}

	usage := &models.PromoCodeUsage{
		ID:             uuid.New().String(),
		PromoCodeID:    promo.ID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: amount,
		UsedAt:         e.Now(),
	}
	if _, err := db.NewInsert().Model(usage).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert promo usage: %w", err)
	}

	e.log.Info("PROMO", fmt.Sprintf("Applied %s to order %s (discount %s)", promo.Code, orderID, amount.StringFixed(2)))
	return usage, nil
}

// Release gives the use spent by a cancelled order back to the budget. The
// usage record stays; per-user limits skip usages of cancelled orders.
func (e *Engine) Release(ctx context.Context, db bun.IDB, orderID string) error {
	var usage models.PromoCodeUsage
	err := db.NewSelect().Model(&usage).Where("order_id = ?", orderID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get promo usage of order %s: %w", orderID, err)
	}

	_, err = db.NewUpdate().
		Model((*models.PromoCode)(nil)).
		Set("used_count = used_count - 1").
		Where("id = ?", usage.PromoCodeID).
		Where("used_count > 0").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("return promo usage of order %s: %w", orderID, err)
	}

	e.log.Info("PROMO", fmt.Sprintf("Returned use of promo %s from cancelled order %s", usage.PromoCodeID, orderID))
	return nil
}
