// Package refund reverses a confirmed order. The gateway refund happens
// first; only once it succeeds are the order, its tickets and the stock
// changed, together in one transaction.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-checkout/internal/database"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/inventory"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	orderdb "ms-checkout/internal/order/db"
	"ms-checkout/internal/payment"
	"ms-checkout/internal/payment/storage"
	"ms-checkout/internal/tickets"
)

const refundLockTTL = time.Minute

type Service struct {
	DB      *bun.DB
	Gateway payment.Gateway
	Ledger  *inventory.Ledger
	Tickets *tickets.TicketService
	Locks   payment.Locker
	Events  payment.EventPublisher
	Logger  *logger.Logger
	Now     func() time.Time
}

func NewService(db *bun.DB, gw payment.Gateway, ledger *inventory.Ledger, ticketService *tickets.TicketService,
	locks payment.Locker, events payment.EventPublisher, log *logger.Logger) *Service {
	return &Service{
		DB:      db,
		Gateway: gw,
		Ledger:  ledger,
		Tickets: ticketService,
		Locks:   locks,
		Events:  events,
		Logger:  log,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refund refunds a CONFIRMED order owned by userID. If the gateway refund
// fails nothing local changes and the order stays CONFIRMED.
func (s *Service) Refund(ctx context.Context, orderID, userID string) (*models.RefundResponse, error) {
	var refunded *models.Order

	err := s.Locks.WithLock(ctx, "refund:"+orderID, refundLockTTL, func() error {
		order, err := orderdb.GetOrder(ctx, s.DB, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("order %s: %w", orderID, errs.ErrForbidden)
		}
		if order.Status != models.OrderConfirmed {
			return fmt.Errorf("cannot refund order %s in status %s: %w", orderID, order.Status, errs.ErrInvalidTransition)
		}

		intent, err := storage.LatestForOrder(ctx, s.DB, orderID, models.PaymentSucceeded)
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("order %s has no settled payment: %w", orderID, errs.ErrRefundFailed)
		}
		if err != nil {
			return err
		}

		amount := payment.ToMinorUnits(intent.Amount)
		if err := s.Gateway.CreateRefund(ctx, intent.ExternalID, amount, "refund:"+orderID); err != nil {
			s.Logger.Error("REFUND", fmt.Sprintf("Gateway refund for order %s failed: %v", orderID, err))
			return fmt.Errorf("%w: %v", errs.ErrRefundFailed, err)
		}

		err = database.RunInTx(ctx, s.DB, func(ctx context.Context, tx bun.Tx) error {
			now := s.Now()
			ok, err := orderdb.TransitionStatus(ctx, tx, orderID, models.OrderConfirmed, models.OrderRefunded, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("order %s left CONFIRMED during refund: %w", orderID, errs.ErrInvalidTransition)
			}
			if _, err := s.Tickets.CancelForOrder(ctx, tx, orderID); err != nil {
				return err
			}
			for _, item := range order.LineItems {
				if err := s.Ledger.Restore(ctx, tx, item.TicketTypeID, item.Quantity); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			// The gateway refund is keyed by order, so retrying is safe.
			s.Logger.Error("REFUND", fmt.Sprintf("Order %s refunded at gateway but not locally: %v", orderID, err))
			return err
		}

		order.Status = models.OrderRefunded
		refunded = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.Events.PublishOrderEvent(ctx, models.NewOrderEvent(models.EventOrderRefunded, *refunded, nil)); err != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("Kafka publish error (order refunded): %v", err))
	}
	s.Logger.LogOrder("REFUND", orderID, fmt.Sprintf("Refunded %s %s", refunded.Total.StringFixed(2), refunded.Currency))
	return &models.RefundResponse{Success: true}, nil
}
