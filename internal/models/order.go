package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderRefunded},
}

// CanTransitionTo reports whether moving from s to next is a legal order transition.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for states with no outgoing transition except refund.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCancelled || s == OrderRefunded
}

type CreateOrderRequest struct {
	EventID      string `json:"event_id" validate:"required"`
	TicketTypeID string `json:"ticket_type_id" validate:"required"`
	Quantity     int    `json:"quantity" validate:"required,gte=1"`
	PromoCode    string `json:"promo_code,omitempty" validate:"omitempty,max=64"`
}

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID          string          `bun:"id,pk" json:"id"`
	UserID      string          `bun:"user_id,notnull" json:"user_id"`
	EventID     string          `bun:"event_id,notnull" json:"event_id"`
	Status      OrderStatus     `bun:"status,notnull" json:"status"`
	Subtotal    decimal.Decimal `bun:"subtotal,type:numeric(12,2),notnull" json:"subtotal"`
	Discount    decimal.Decimal `bun:"discount,type:numeric(12,2),notnull" json:"discount"`
	Total       decimal.Decimal `bun:"total,type:numeric(12,2),notnull" json:"total"`
	Currency    string          `bun:"currency,notnull" json:"currency"`
	PromoCodeID *string         `bun:"promo_code_id" json:"promo_code_id,omitempty"`
	PromoCode   string          `bun:"promo_code,nullzero" json:"promo_code,omitempty"`
	CreatedAt   time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time       `bun:"updated_at,notnull" json:"updated_at"`
	ConfirmedAt *time.Time      `bun:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt *time.Time      `bun:"cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt  *time.Time      `bun:"refunded_at" json:"refunded_at,omitempty"`

	LineItems []OrderLineItem `bun:"rel:has-many,join:id=order_id" json:"line_items"`
}

// OrderLineItem snapshots the unit price at order creation so later catalog
// price changes never affect a placed order.
type OrderLineItem struct {
	bun.BaseModel `bun:"table:order_line_items"`

	ID           string          `bun:"id,pk" json:"id"`
	OrderID      string          `bun:"order_id,notnull" json:"order_id"`
	TicketTypeID string          `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity     int             `bun:"quantity,notnull" json:"quantity"`
	UnitPrice    decimal.Decimal `bun:"unit_price,type:numeric(12,2),notnull" json:"unit_price"`
}

type OrderResponse struct {
	OrderID  string          `json:"order_id"`
	Status   OrderStatus     `json:"status"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

type OrderWithTickets struct {
	Order   Order    `json:"order"`
	Tickets []Ticket `json:"tickets"`
}
