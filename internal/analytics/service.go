// Package analytics builds per-event sales reports from confirmed orders and
// checks them against the inventory counters.
package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-checkout/internal/catalog"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/inventory"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
)

// Service handles analytics operations
type Service struct {
	db     *bun.DB
	ledger *inventory.Ledger
	log    *logger.Logger
}

func NewService(db *bun.DB, ledger *inventory.Ledger, log *logger.Logger) *Service {
	return &Service{db: db, ledger: ledger, log: log}
}

// EventSales represents aggregated sales data for an event. Only CONFIRMED
// orders count as sales; refunded orders are reported separately.
type EventSales struct {
	EventID          string              `json:"event_id"`
	TotalRevenue     decimal.Decimal     `json:"total_revenue"`
	TotalBeforeDisc  decimal.Decimal     `json:"total_before_discounts"`
	TotalTicketsSold int                 `json:"total_tickets_sold"`
	RefundedOrders   int                 `json:"refunded_orders"`
	RefundedAmount   decimal.Decimal     `json:"refunded_amount"`
	DailySales       []DailySalesMetrics `json:"daily_sales"`
	SalesByTier      []TierSalesMetrics  `json:"sales_by_tier"`
	DiscountUsage    []DiscountUsage     `json:"discount_usage"`
}

// TierSalesMetrics contains sales metrics for a single ticket type next to
// its live inventory counters.
type TierSalesMetrics struct {
	TicketTypeID string          `json:"ticket_type_id"`
	Name         string          `json:"name"`
	TicketsSold  int             `json:"tickets_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
	Quantity     int             `json:"quantity"`
	Available    int             `json:"available"`
	Reserved     int             `json:"reserved"`
	// Balanced is false when the ledger counters disagree with each other or
	// with the confirmed line items.
	Balanced bool `json:"balanced"`
}

// DailySalesMetrics contains metrics for a single day
type DailySalesMetrics struct {
	Date        string          `json:"date"`
	Revenue     decimal.Decimal `json:"revenue"`
	TicketsSold int             `json:"tickets_sold"`
}

// DiscountUsage tracks promo code usage on the event's confirmed orders.
type DiscountUsage struct {
	Code          string          `json:"code"`
	UsageCount    int             `json:"usage_count"`
	TotalDiscount decimal.Decimal `json:"total_discount_amount"`
}

// GetEventSales returns revenue analytics for a specific event.
func (s *Service) GetEventSales(ctx context.Context, eventID string) (*EventSales, error) {
	exists, err := catalog.EventExists(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("event %s: %w", eventID, errs.ErrNotFound)
	}

	var orders []models.Order
	err = s.db.NewSelect().
		Model(&orders).
		Relation("LineItems").
		Where("?TableAlias.event_id = ?", eventID).
		Where("?TableAlias.status IN (?)", bun.In([]models.OrderStatus{models.OrderConfirmed, models.OrderRefunded})).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load orders for %s: %w", eventID, err)
	}

	ticketTypes, err := catalog.ListTicketTypes(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}

	report := &EventSales{
		EventID:         eventID,
		TotalRevenue:    decimal.Zero,
		TotalBeforeDisc: decimal.Zero,
		RefundedAmount:  decimal.Zero,
	}

	tiers := make(map[string]*TierSalesMetrics, len(ticketTypes))
	daily := make(map[string]*DailySalesMetrics)
	discounts := make(map[string]*DiscountUsage)

	for _, tt := range ticketTypes {
		tiers[tt.ID] = &TierSalesMetrics{
			TicketTypeID: tt.ID,
			Name:         tt.Name,
			Revenue:      decimal.Zero,
			Quantity:     tt.Quantity,
			Available:    tt.Available,
		}
	}

	for _, o := range orders {
		if o.Status == models.OrderRefunded {
			report.RefundedOrders++
			report.RefundedAmount = report.RefundedAmount.Add(o.Total)
			continue
		}

		report.TotalRevenue = report.TotalRevenue.Add(o.Total)
		report.TotalBeforeDisc = report.TotalBeforeDisc.Add(o.Subtotal)

		day := o.CreatedAt.UTC().Format("2006-01-02")
		if o.ConfirmedAt != nil {
			day = o.ConfirmedAt.UTC().Format("2006-01-02")
		}
		d, ok := daily[day]
		if !ok {
			d = &DailySalesMetrics{Date: day, Revenue: decimal.Zero}
			daily[day] = d
		}
		d.Revenue = d.Revenue.Add(o.Total)

		for _, item := range o.LineItems {
			report.TotalTicketsSold += item.Quantity
			d.TicketsSold += item.Quantity

			tier, ok := tiers[item.TicketTypeID]
			if !ok {
				continue
			}
			tier.TicketsSold += item.Quantity
			tier.Revenue = tier.Revenue.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		if o.PromoCode != "" {
			u, ok := discounts[o.PromoCode]
			if !ok {
				u = &DiscountUsage{Code: o.PromoCode, TotalDiscount: decimal.Zero}
				discounts[o.PromoCode] = u
			}
			u.UsageCount++
			u.TotalDiscount = u.TotalDiscount.Add(o.Discount)
		}
	}

	for _, tt := range ticketTypes {
		tier := tiers[tt.ID]
		reserved, err := s.ledger.PendingQuantity(ctx, s.db, tt.ID)
		if err != nil {
			return nil, err
		}
		tier.Reserved = reserved

		tier.Balanced = tt.Sold == tier.TicketsSold
		if err := s.ledger.CheckInvariant(ctx, s.db, tt.ID); err != nil {
			s.log.Warn("ANALYTICS", err.Error())
			tier.Balanced = false
		}
		if !tier.Balanced {
			s.log.Warn("ANALYTICS", fmt.Sprintf("Ticket type %s counts %d sold but confirmed orders hold %d", tt.ID, tt.Sold, tier.TicketsSold))
		}
		report.SalesByTier = append(report.SalesByTier, *tier)
	}

	report.DailySales = make([]DailySalesMetrics, 0, len(daily))
	for _, d := range daily {
		report.DailySales = append(report.DailySales, *d)
	}
	sort.Slice(report.DailySales, func(i, j int) bool { return report.DailySales[i].Date < report.DailySales[j].Date })

	report.DiscountUsage = make([]DiscountUsage, 0, len(discounts))
	for _, u := range discounts {
		report.DiscountUsage = append(report.DiscountUsage, *u)
	}
	sort.Slice(report.DiscountUsage, func(i, j int) bool { return report.DiscountUsage[i].Code < report.DiscountUsage[j].Code })

	return report, nil
}
