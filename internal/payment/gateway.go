package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"ms-checkout/internal/payment/services"
)

// Gateway is the external payment processor. Its reported status is the
// source of truth; local intent records reconcile to it.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string, idempotencyKey string) (*services.Intent, error)
	RetrievePaymentIntent(ctx context.Context, externalID string) (*services.Intent, error)
	CreateRefund(ctx context.Context, externalID string, amount int64, idempotencyKey string) error
	CancelPaymentIntent(ctx context.Context, externalID string) error
}

var _ Gateway = (*services.StripeService)(nil)

// ToMinorUnits converts a two-decimal amount to the gateway's integer units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
