// Package inventory keeps the per ticket type stock counters. Every mutation
// is a single conditional statement, so the counters never go negative and
// two buyers can never be sold the same unit.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-checkout/internal/database"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/models"
)

const DefaultReservationTTL = 15 * time.Minute

var ErrRestoreExceedsSold = errors.New("restore quantity exceeds sold count")

type Ledger struct {
	TTL time.Duration
	Now func() time.Time
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Ledger{
		TTL: ttl,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// Reserve holds quantity units of tt for orderID. Not enough stock and losing
// a race for the last units are reported the same way.
func (l *Ledger) Reserve(ctx context.Context, db bun.IDB, orderID string, tt *models.TicketType, quantity int) (*models.Reservation, error) {
	now := l.Now()

	if !tt.Active || !tt.OnSale(now) {
		return nil, fmt.Errorf("ticket type %s: %w", tt.ID, errs.ErrTicketTypeUnavailable)
	}
	if quantity < tt.MinPerOrder || quantity > tt.MaxPerOrder {
		return nil, fmt.Errorf("quantity %d outside %d..%d: %w", quantity, tt.MinPerOrder, tt.MaxPerOrder, errs.ErrQuantityOutOfBounds)
	}

	res, err := db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("available = available - ?", quantity).
		Where("id = ?", tt.ID).
		Where("available >= ?", quantity).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", tt.ID, err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("ticket type %s: %w", tt.ID, errs.ErrInsufficientInventory)
	}

	reservation := &models.Reservation{
		ID:           uuid.New().String(),
		OrderID:      orderID,
		TicketTypeID: tt.ID,
		Quantity:     quantity,
		ExpiresAt:    now.Add(l.TTL),
		CreatedAt:    now,
	}
	if _, err := db.NewInsert().Model(reservation).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return reservation, nil
}

// Commit turns a reservation into sold stock.
func (l *Ledger) Commit(ctx context.Context, db bun.IDB, reservationID string) error {
	reservation, err := l.settle(ctx, db, reservationID)
	if err != nil {
		return err
	}

	_, err = db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("sold = sold + ?", reservation.Quantity).
		Where("id = ?", reservation.TicketTypeID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", reservationID, err)
	}
	return nil
}

// Release returns a reservation's units to the available pool.
func (l *Ledger) Release(ctx context.Context, db bun.IDB, reservationID string) error {
	reservation, err := l.settle(ctx, db, reservationID)
	if err != nil {
		return err
	}

	_, err = db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("available = available + ?", reservation.Quantity).
		Where("id = ?", reservation.TicketTypeID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	return nil
}

// settle deletes the reservation row. Only the caller whose delete removed
// the row may move its units, so a reservation is settled at most once.
func (l *Ledger) settle(ctx context.Context, db bun.IDB, reservationID string) (*models.Reservation, error) {
	var reservation models.Reservation
	err := db.NewSelect().Model(&reservation).Where("id = ?", reservationID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, errs.ErrReservationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", reservationID, err)
	}

	res, err := db.NewDelete().
		Model((*models.Reservation)(nil)).
		Where("id = ?", reservationID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete reservation %s: %w", reservationID, err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, errs.ErrReservationNotFound)
	}
	return &reservation, nil
}

// Restore moves refunded units from sold back to available.
func (l *Ledger) Restore(ctx context.Context, db bun.IDB, ticketTypeID string, quantity int) error {
	res, err := db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("sold = sold - ?", quantity).
		Set("available = available + ?", quantity).
		Where("id = ?", ticketTypeID).
		Where("sold >= ?", quantity).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("restore %s: %w", ticketTypeID, err)
	}
	n, err := database.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ticket type %s: %w", ticketTypeID, ErrRestoreExceedsSold)
	}
	return nil
}

func (l *Ledger) ReservationsForOrder(ctx context.Context, db bun.IDB, orderID string) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := db.NewSelect().
		Model(&reservations).
		Where("order_id = ?", orderID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("reservations for order %s: %w", orderID, err)
	}
	return reservations, nil
}

// ExpiredOrderIDs lists pending orders holding at least one reservation that
// expired at or before now.
func (l *Ledger) ExpiredOrderIDs(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.NewSelect().
		TableExpr("reservations AS r").
		ColumnExpr("DISTINCT r.order_id").
		Join("JOIN orders AS o ON o.id = r.order_id").
		Where("o.status = ?", models.OrderPending).
		Where("r.expires_at <= ?", now).
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("expired reservations: %w", err)
	}
	return ids, nil
}

// PendingQuantity sums the units currently held by reservations.
func (l *Ledger) PendingQuantity(ctx context.Context, db bun.IDB, ticketTypeID string) (int, error) {
	var total int
	err := db.NewSelect().
		Model((*models.Reservation)(nil)).
		ColumnExpr("COALESCE(SUM(quantity), 0)").
		Where("ticket_type_id = ?", ticketTypeID).
		Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("pending quantity for %s: %w", ticketTypeID, err)
	}
	return total, nil
}

// CheckInvariant verifies sold + available + reserved == quantity with every
// counter non-negative.
func (l *Ledger) CheckInvariant(ctx context.Context, db bun.IDB, ticketTypeID string) error {
	var tt models.TicketType
	if err := db.NewSelect().Model(&tt).Where("id = ?", ticketTypeID).Limit(1).Scan(ctx); err != nil {
		return fmt.Errorf("get ticket type %s: %w", ticketTypeID, err)
	}
	pending, err := l.PendingQuantity(ctx, db, ticketTypeID)
	if err != nil {
		return err
	}
	if tt.Sold < 0 || tt.Available < 0 || pending < 0 {
		return fmt.Errorf("ticket type %s has negative counters: sold=%d available=%d reserved=%d", ticketTypeID, tt.Sold, tt.Available, pending)
	}
	if tt.Sold+tt.Available+pending != tt.Quantity {
		return fmt.Errorf("ticket type %s out of balance: sold=%d available=%d reserved=%d quantity=%d", ticketTypeID, tt.Sold, tt.Available, pending, tt.Quantity)
	}
	return nil
}
