package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Event is owned by the catalog service; this service only reads it.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID        string    `bun:"id,pk" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	StartsAt  time.Time `bun:"starts_at,notnull" json:"starts_at"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// TicketType is a purchasable tier of an event. The stock counters
// (Sold, Available) are only ever mutated by the inventory ledger.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types"`

	ID          string          `bun:"id,pk" json:"id"`
	EventID     string          `bun:"event_id,notnull" json:"event_id"`
	Name        string          `bun:"name,notnull" json:"name"`
	Price       decimal.Decimal `bun:"price,type:numeric(12,2),notnull" json:"price"`
	Quantity    int             `bun:"quantity,notnull" json:"quantity"`
	Sold        int             `bun:"sold,notnull" json:"sold"`
	Available   int             `bun:"available,notnull" json:"available"`
	MinPerOrder int             `bun:"min_per_order,notnull" json:"min_per_order"`
	MaxPerOrder int             `bun:"max_per_order,notnull" json:"max_per_order"`
	SalesStart  *time.Time      `bun:"sales_start" json:"sales_start,omitempty"`
	SalesEnd    *time.Time      `bun:"sales_end" json:"sales_end,omitempty"`
	Active      bool            `bun:"active,notnull" json:"active"`
}

// OnSale reports whether now falls inside the ticket type's sales window.
func (t *TicketType) OnSale(now time.Time) bool {
	if t.SalesStart != nil && now.Before(*t.SalesStart) {
		return false
	}
	if t.SalesEnd != nil && !now.Before(*t.SalesEnd) {
		return false
	}
	return true
}

// Reservation is a time-bounded hold on ticket type stock for a pending order.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID           string    `bun:"id,pk" json:"id"`
	OrderID      string    `bun:"order_id,notnull" json:"order_id"`
	TicketTypeID string    `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity     int       `bun:"quantity,notnull" json:"quantity"`
	ExpiresAt    time.Time `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt    time.Time `bun:"created_at,notnull" json:"created_at"`
}
