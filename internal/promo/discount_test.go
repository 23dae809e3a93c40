package promo

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"ms-checkout/internal/models"
)

func TestComputeDiscount(t *testing.T) {
	tests := []struct {
		name     string
		kind     models.DiscountType
		value    string
		subtotal string
		want     string
	}{
		{"percentage", models.PERCENTAGE, "10", "100", "10"},
		{"percentage rounds to cents", models.PERCENTAGE, "15", "33.33", "5"},
		{"percentage over 100 clamps", models.PERCENTAGE, "150", "80", "80"},
		{"fixed below subtotal", models.FIXED, "25", "100", "25"},
		{"fixed above subtotal", models.FIXED, "250", "100", "100"},
		{"zero subtotal", models.FIXED, "10", "0", "0"},
		{"negative value", models.FIXED, "-5", "100", "0"},
		{"unknown type", models.DiscountType("BOGO"), "10", "100", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.PromoCode{DiscountType: tt.kind, DiscountValue: decimal.RequireFromString(tt.value)}
			got := ComputeDiscount(p, decimal.RequireFromString(tt.subtotal))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestDiscountAlwaysWithinSubtotal(t *testing.T) {
	values := []string{"0", "0.01", "1", "10", "33.3", "99.99", "100", "1000"}
	subtotals := []string{"0", "0.01", "1", "9.99", "50", "100", "12345.67"}

	for _, kind := range []models.DiscountType{models.PERCENTAGE, models.FIXED} {
		for _, v := range values {
			for _, s := range subtotals {
				subtotal := decimal.RequireFromString(s)
				d := ComputeDiscount(&models.PromoCode{DiscountType: kind, DiscountValue: decimal.RequireFromString(v)}, subtotal)
				assert.False(t, d.IsNegative(), "%s %s/%s", kind, v, s)
				assert.False(t, d.GreaterThan(subtotal), "%s %s/%s", kind, v, s)
				assert.False(t, Total(subtotal, d).IsNegative())
			}
		}
	}
}
