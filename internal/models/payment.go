package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// PaymentIntent mirrors an intent opened at the payment gateway. The gateway
// is the source of truth; this record reconciles to it.
type PaymentIntent struct {
	bun.BaseModel `bun:"table:payment_intents"`

	ID           string          `bun:"id,pk" json:"id"`
	ExternalID   string          `bun:"external_id,unique,notnull" json:"external_id"`
	OrderID      string          `bun:"order_id,notnull" json:"order_id"`
	Amount       decimal.Decimal `bun:"amount,type:numeric(12,2),notnull" json:"amount"`
	Currency     string          `bun:"currency,notnull" json:"currency"`
	Status       PaymentStatus   `bun:"status,notnull" json:"status"`
	ClientSecret string          `bun:"client_secret,nullzero" json:"-"`
	CreatedAt    time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}

type PaymentIntentResponse struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
}

type ConfirmPaymentRequest struct {
	ExternalIntentID string `json:"external_intent_id" validate:"required"`
}

type ConfirmPaymentResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
}

type RefundResponse struct {
	Success bool `json:"success"`
}
