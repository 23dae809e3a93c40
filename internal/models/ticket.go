package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketValid     TicketStatus = "VALID"
	TicketUsed      TicketStatus = "USED"
	TicketCancelled TicketStatus = "CANCELLED"
)

type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID           string       `bun:"id,pk" json:"id"`
	OrderID      string       `bun:"order_id,notnull" json:"order_id"`
	EventID      string       `bun:"event_id,notnull" json:"event_id"`
	UserID       string       `bun:"user_id,notnull" json:"user_id"`
	TicketTypeID string       `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Code         string       `bun:"code,unique,notnull" json:"code"`
	QRCode       []byte       `bun:"qr_code" json:"qr_code,omitempty"`
	Status       TicketStatus `bun:"status,notnull" json:"status"`
	IssuedAt     time.Time    `bun:"issued_at,notnull" json:"issued_at"`
	ScannedAt    *time.Time   `bun:"scanned_at" json:"scanned_at,omitempty"`
}

type ScanTicketRequest struct {
	Code        string `json:"code,omitempty"`
	EncryptedQR string `json:"encrypted_qr,omitempty"`
}

type ScanTicketResponse struct {
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
}
