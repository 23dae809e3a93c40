package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-checkout/internal/catalog"
	"ms-checkout/internal/database"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/inventory"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	orderdb "ms-checkout/internal/order/db"
	"ms-checkout/internal/promo"
)

const defaultSweepBatch = 100

type HoldStore interface {
	SetHold(ctx context.Context, orderID string, ttl time.Duration) error
	ClearHold(ctx context.Context, orderID string) error
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

// PaymentReconciler settles an expiring order's payment with the gateway
// before the order is cancelled.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, orderID string) (confirmed, unknown bool, err error)
	AbandonIntents(ctx context.Context, orderID string)
}

type CreateOrderInput struct {
	UserID       string
	EventID      string
	TicketTypeID string
	Quantity     int
	PromoCode    string
}

type SweepResult struct {
	Scanned   int
	Confirmed int
	Cancelled int
	Skipped   int
}

type OrderService struct {
	DB        *bun.DB
	Ledger    *inventory.Ledger
	Promos    *promo.Engine
	Holds     HoldStore
	Events    EventPublisher
	Payments  PaymentReconciler
	Logger    *logger.Logger
	Currency  string
	SweepSize int
	Now       func() time.Time
}

func NewOrderService(db *bun.DB, ledger *inventory.Ledger, promos *promo.Engine, holds HoldStore, events EventPublisher, currency string, log *logger.Logger) *OrderService {
	return &OrderService{
		DB:        db,
		Ledger:    ledger,
		Promos:    promos,
		Holds:     holds,
		Events:    events,
		Logger:    log,
		Currency:  currency,
		SweepSize: defaultSweepBatch,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// ---------------- ORDERS ----------------

// Create reserves stock, prices the order from the stored ticket price and
// an optional promo code, and persists it as PENDING. All of it commits or
// none of it does.
func (s *OrderService) Create(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	if in.Quantity < 1 {
		return nil, fmt.Errorf("quantity %d: %w", in.Quantity, errs.ErrQuantityOutOfBounds)
	}

	exists, err := catalog.EventExists(ctx, s.DB, in.EventID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("event %s: %w", in.EventID, errs.ErrNotFound)
	}

	orderID := uuid.New().String()
	code := promo.NormalizeCode(in.PromoCode)

	var (
		order *models.Order
		stage string
	)
	err = database.RunInTx(ctx, s.DB, func(ctx context.Context, tx bun.Tx) error {
		stage = "reserve"
		tt, err := catalog.GetTicketType(ctx, tx, in.TicketTypeID)
		if err != nil {
			return err
		}
		if tt.EventID != in.EventID {
			return fmt.Errorf("ticket type %s for event %s: %w", in.TicketTypeID, in.EventID, errs.ErrNotFound)
		}

		if _, err := s.Ledger.Reserve(ctx, tx, orderID, tt, in.Quantity); err != nil {
			return err
		}

		subtotal := tt.Price.Mul(decimal.NewFromInt(int64(in.Quantity)))
		discount := decimal.Zero
		var applied *promo.ValidationResult
		if code != "" {
			stage = "promo"
			applied, err = s.Promos.Validate(ctx, tx, code, in.UserID, in.EventID, subtotal)
			if err != nil {
				return err
			}
			discount = applied.DiscountAmount
			if !promo.Total(subtotal, discount).IsPositive() {
				return fmt.Errorf("%w: promo code %s covers the whole order", errs.ErrValidation, code)
			}
		}

		now := s.Now()
		order = &models.Order{
			ID:        orderID,
			UserID:    in.UserID,
			EventID:   in.EventID,
			Status:    models.OrderPending,
			Subtotal:  subtotal,
			Discount:  discount,
			Total:     promo.Total(subtotal, discount),
			Currency:  s.Currency,
			CreatedAt: now,
			UpdatedAt: now,
			LineItems: []models.OrderLineItem{{
				ID:           uuid.New().String(),
				OrderID:      orderID,
				TicketTypeID: tt.ID,
				Quantity:     in.Quantity,
				UnitPrice:    tt.Price,
			}},
		}
		if applied != nil {
			order.PromoCodeID = &applied.Promo.ID
			order.PromoCode = applied.Promo.Code
		}
		if err := orderdb.CreateOrder(ctx, tx, order); err != nil {
			return err
		}

		if applied != nil {
			if _, err := s.Promos.Apply(ctx, tx, applied.Promo, in.UserID, orderID, discount); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errs.ErrConcurrencyConflict) {
		if stage == "promo" {
			err = errs.NewPromoError(code, errs.ReasonExhausted)
		} else {
			err = fmt.Errorf("ticket type %s: %w", in.TicketTypeID, errs.ErrInsufficientInventory)
		}
	}
	if err != nil {
		s.Logger.Warn("ORDER", fmt.Sprintf("Order for %s x%d by %s rejected: %v", in.TicketTypeID, in.Quantity, in.UserID, err))
		return nil, err
	}

	if err := s.Holds.SetHold(ctx, order.ID, s.Ledger.TTL); err != nil {
		s.Logger.Warn("REDIS", fmt.Sprintf("Failed to set hold for order %s: %v", order.ID, err))
	}
	if err := s.Events.PublishOrderEvent(ctx, models.NewOrderEvent(models.EventOrderCreated, *order, nil)); err != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("Kafka publish error (order created): %v", err))
	}

	s.Logger.LogOrder("CREATE", order.ID, fmt.Sprintf("%d x %s, total %s %s", in.Quantity, in.TicketTypeID, order.Total.StringFixed(2), order.Currency))
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, id string) (*models.Order, error) {
	return orderdb.GetOrder(ctx, s.DB, id)
}

// GetForUser returns the order only to the buyer who placed it.
func (s *OrderService) GetForUser(ctx context.Context, id, userID string) (*models.Order, error) {
	order, err := orderdb.GetOrder(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", id, errs.ErrForbidden)
	}
	return order, nil
}

func (s *OrderService) ListByUser(ctx context.Context, userID string) ([]models.OrderWithTickets, error) {
	return orderdb.GetOrdersWithTicketsByUserID(ctx, s.DB, userID)
}

// ---------------- EXPIRY ----------------

// CancelExpiredReservation cancels a PENDING order whose reservations have
// all expired and releases their stock. It reports whether this call did the
// cancelling; any other state is a no-op.
func (s *OrderService) CancelExpiredReservation(ctx context.Context, orderID string) (bool, error) {
	var (
		cancelled bool
		order     *models.Order
	)
	err := database.RunInTx(ctx, s.DB, func(ctx context.Context, tx bun.Tx) error {
		cancelled, order = false, nil
		now := s.Now()

		current, err := orderdb.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current.Status != models.OrderPending {
			return nil
		}

		reservations, err := s.Ledger.ReservationsForOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if res.ExpiresAt.After(now) {
				return nil
			}
		}

		ok, err := orderdb.TransitionStatus(ctx, tx, orderID, models.OrderPending, models.OrderCancelled, now)
		if err != nil || !ok {
			return err
		}
		for _, res := range reservations {
			if err := s.Ledger.Release(ctx, tx, res.ID); err != nil {
				return err
			}
		}
		if err := s.Promos.Release(ctx, tx, orderID); err != nil {
			return err
		}

		current.Status = models.OrderCancelled
		cancelled, order = true, current
		return nil
	})
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	if err := s.Holds.ClearHold(ctx, orderID); err != nil {
		s.Logger.Warn("REDIS", fmt.Sprintf("Failed to clear hold for order %s: %v", orderID, err))
	}
	if err := s.Events.PublishOrderEvent(ctx, models.NewOrderEvent(models.EventOrderCancelled, *order, nil)); err != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("Kafka publish error (order cancelled): %v", err))
	}
	s.Logger.LogOrder("EXPIRE", orderID, "Reservation expired, order cancelled")
	return true, nil
}

// ExpireOrder settles one expired order: a payment the gateway reports as
// succeeded confirms it, an undecided gateway leaves it for the next run,
// anything else cancels it.
func (s *OrderService) ExpireOrder(ctx context.Context, orderID string) (SweepOutcome, error) {
	if s.Payments != nil {
		confirmed, unknown, err := s.Payments.Reconcile(ctx, orderID)
		if err != nil {
			s.Logger.Warn("ORDER", fmt.Sprintf("Could not reconcile payment of order %s: %v", orderID, err))
		}
		switch {
		case confirmed:
			return OutcomeConfirmed, nil
		case unknown:
			return OutcomeSkipped, nil
		}
	}

	cancelled, err := s.CancelExpiredReservation(ctx, orderID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !cancelled {
		return OutcomeSkipped, nil
	}
	if s.Payments != nil {
		s.Payments.AbandonIntents(ctx, orderID)
	}
	return OutcomeCancelled, nil
}

type SweepOutcome int

const (
	OutcomeSkipped SweepOutcome = iota
	OutcomeConfirmed
	OutcomeCancelled
)

// SweepExpired processes one batch of PENDING orders with expired
// reservations. Failures on one order do not stop the batch.
func (s *OrderService) SweepExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	ids, err := s.Ledger.ExpiredOrderIDs(ctx, s.DB, s.Now(), s.SweepSize)
	if err != nil {
		return result, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Scanned++

		outcome, err := s.ExpireOrder(ctx, id)
		if err != nil {
			s.Logger.Error("ORDER", fmt.Sprintf("Failed to expire order %s: %v", id, err))
		}
		switch outcome {
		case OutcomeConfirmed:
			result.Confirmed++
		case OutcomeCancelled:
			result.Cancelled++
		default:
			result.Skipped++
		}
	}

	if result.Scanned > 0 {
		s.Logger.Info("SWEEP", fmt.Sprintf("Expired orders: scanned=%d confirmed=%d cancelled=%d skipped=%d",
			result.Scanned, result.Confirmed, result.Cancelled, result.Skipped))
	}
	return result, nil
}
