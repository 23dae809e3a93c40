package promo

import (
	"github.com/shopspring/decimal"

	"ms-checkout/internal/models"
)

var hundred = decimal.NewFromInt(100)

// ComputeDiscount prices a promo code against a subtotal. The result is
// rounded to cents and always falls within [0, subtotal].
func ComputeDiscount(promo *models.PromoCode, subtotal decimal.Decimal) decimal.Decimal {
	if promo == nil || !subtotal.IsPositive() || !promo.DiscountValue.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch promo.DiscountType {
	case models.PERCENTAGE:
		amount = subtotal.Mul(promo.DiscountValue).Div(hundred).Round(2)
	case models.FIXED:
		amount = decimal.Min(promo.DiscountValue, subtotal)
	default:
		return decimal.Zero
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(subtotal) {
		return subtotal
	}
	return amount
}

// Total is subtotal minus discount, clamped at zero.
func Total(subtotal, discount decimal.Decimal) decimal.Decimal {
	total := subtotal.Sub(discount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
