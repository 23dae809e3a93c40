package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type DiscountType string

const (
	PERCENTAGE DiscountType = "PERCENTAGE"
	FIXED      DiscountType = "FIXED"
)

type PromoCode struct {
	bun.BaseModel `bun:"table:promo_codes"`

	ID                 string          `bun:"id,pk" json:"id"`
	Code               string          `bun:"code,unique,notnull" json:"code"`
	DiscountType       DiscountType    `bun:"discount_type,notnull" json:"discount_type"`
	DiscountValue      decimal.Decimal `bun:"discount_value,type:numeric(12,2),notnull" json:"discount_value"`
	MinPurchase        decimal.Decimal `bun:"min_purchase,type:numeric(12,2),notnull" json:"min_purchase"`
	MaxUses            *int            `bun:"max_uses" json:"max_uses,omitempty"`
	UsedCount          int             `bun:"used_count,notnull" json:"used_count"`
	MaxUsesPerUser     *int            `bun:"max_uses_per_user" json:"max_uses_per_user,omitempty"`
	ValidFrom          time.Time       `bun:"valid_from,notnull" json:"valid_from"`
	ValidUntil         time.Time       `bun:"valid_until,notnull" json:"valid_until"`
	ApplicableEventIDs []string        `bun:"applicable_event_ids" json:"applicable_event_ids"`
	Active             bool            `bun:"active,notnull" json:"active"`
	CreatedAt          time.Time       `bun:"created_at,notnull" json:"created_at"`
}

// AppliesToEvent treats an empty allowlist as a wildcard.
func (p *PromoCode) AppliesToEvent(eventID string) bool {
	if len(p.ApplicableEventIDs) == 0 {
		return true
	}
	for _, id := range p.ApplicableEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// PromoCodeUsage is written once per successful application and never updated.
type PromoCodeUsage struct {
	bun.BaseModel `bun:"table:promo_code_usages"`

	ID             string          `bun:"id,pk" json:"id"`
	PromoCodeID    string          `bun:"promo_code_id,notnull" json:"promo_code_id"`
	UserID         string          `bun:"user_id,notnull" json:"user_id"`
	OrderID        string          `bun:"order_id,notnull" json:"order_id"`
	DiscountAmount decimal.Decimal `bun:"discount_amount,type:numeric(12,2),notnull" json:"discount_amount"`
	UsedAt         time.Time       `bun:"used_at,notnull" json:"used_at"`
}
