package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated   = "order.created"
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
	EventOrderRefunded  = "order.refunded"
)

// OrderEvent is the payload streamed to Kafka on every order transition.
type OrderEvent struct {
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	EventID   string          `json:"event_id"`
	Status    OrderStatus     `json:"status"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency"`
	TicketIDs []string        `json:"ticket_ids,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewOrderEvent(eventType string, order Order, ticketIDs []string) OrderEvent {
	return OrderEvent{
		Type:      eventType,
		OrderID:   order.ID,
		UserID:    order.UserID,
		EventID:   order.EventID,
		Status:    order.Status,
		Total:     order.Total,
		Currency:  order.Currency,
		TicketIDs: ticketIDs,
		Timestamp: time.Now().UTC(),
	}
}

// PaymentConfirmation is consumed from the payments topic.
type PaymentConfirmation struct {
	ExternalIntentID string `json:"external_intent_id"`
}
