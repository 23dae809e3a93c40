// Package payment opens payment intents at the gateway and reconciles their
// outcome with local orders. Confirmation is guarded by a conditional status
// update, so any number of webhook deliveries, client polls and sweeps
// confirm an order at most once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-checkout/internal/database"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/inventory"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	orderdb "ms-checkout/internal/order/db"
	"ms-checkout/internal/payment/services"
	"ms-checkout/internal/payment/storage"
	"ms-checkout/internal/tickets"
)

const intentLockTTL = 30 * time.Second

type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func() error) error
}

type HoldStore interface {
	ClearHold(ctx context.Context, orderID string) error
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

type ConfirmResult struct {
	Success   bool
	OrderID   string
	TicketIDs []string
}

type Reconciler struct {
	DB            *bun.DB
	Gateway       Gateway
	Ledger        *inventory.Ledger
	Tickets       *tickets.TicketService
	Locks         Locker
	Holds         HoldStore
	Events        EventPublisher
	Logger        *logger.Logger
	Currency      string
	WebhookSecret string
	Now           func() time.Time
}

func NewReconciler(db *bun.DB, gw Gateway, ledger *inventory.Ledger, ticketService *tickets.TicketService,
	locks Locker, holds HoldStore, events EventPublisher, currency, webhookSecret string, log *logger.Logger) *Reconciler {
	return &Reconciler{
		DB:            db,
		Gateway:       gw,
		Ledger:        ledger,
		Tickets:       ticketService,
		Locks:         locks,
		Holds:         holds,
		Events:        events,
		Logger:        log,
		Currency:      currency,
		WebhookSecret: webhookSecret,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateIntent opens a gateway intent for a pending order of userID. The
// amount always comes from the stored order total. A pending intent that
// already exists is returned as is.
func (r *Reconciler) CreateIntent(ctx context.Context, orderID, userID string) (*models.PaymentIntentResponse, error) {
	var resp *models.PaymentIntentResponse

	err := r.Locks.WithLock(ctx, "payment_intent:"+orderID, intentLockTTL, func() error {
		order, err := orderdb.GetOrder(ctx, r.DB, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("order %s: %w", orderID, errs.ErrForbidden)
		}
		if order.Status != models.OrderPending {
			return fmt.Errorf("order %s is %s: %w", orderID, order.Status, errs.ErrOrderNotPending)
		}
		if !order.Total.IsPositive() {
			return fmt.Errorf("%w: order %s has nothing to pay", errs.ErrValidation, orderID)
		}

		existing, err := storage.LatestForOrder(ctx, r.DB, orderID, models.PaymentPending)
		if err == nil {
			r.Logger.LogPayment("REUSE_INTENT", existing.ExternalID, fmt.Sprintf("Order %s already has a pending intent", orderID))
			resp = &models.PaymentIntentResponse{ClientSecret: existing.ClientSecret, PaymentIntentID: existing.ExternalID}
			return nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		// A new key per attempt; a failed intent must not be replayed.
		attempt, err := storage.CountForOrder(ctx, r.DB, orderID)
		if err != nil {
			return err
		}
		metadata := map[string]string{"order_id": order.ID, "user_id": order.UserID}
		intent, err := r.Gateway.CreatePaymentIntent(ctx, ToMinorUnits(order.Total), r.currencyFor(order), metadata,
			fmt.Sprintf("payment_intent:%s:%d", orderID, attempt))
		if err != nil {
			return err
		}

		now := r.Now()
		record := &models.PaymentIntent{
			ID:           uuid.New().String(),
			ExternalID:   intent.ID,
			OrderID:      order.ID,
			Amount:       order.Total,
			Currency:     r.currencyFor(order),
			Status:       models.PaymentPending,
			ClientSecret: intent.ClientSecret,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := storage.SavePaymentIntent(ctx, r.DB, record); err != nil {
			return err
		}

		r.Logger.LogPayment("CREATE_INTENT", intent.ID, fmt.Sprintf("Opened intent for order %s (%s %s)", orderID, order.Total.StringFixed(2), record.Currency))
		resp = &models.PaymentIntentResponse{ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Reconciler) currencyFor(order *models.Order) string {
	if order.Currency != "" {
		return order.Currency
	}
	return r.Currency
}

// ConfirmForUser confirms an intent on behalf of the buyer who owns its order.
func (r *Reconciler) ConfirmForUser(ctx context.Context, externalID, userID string) (*ConfirmResult, error) {
	local, err := storage.GetByExternalID(ctx, r.DB, externalID)
	if err != nil {
		return nil, err
	}
	order, err := orderdb.GetOrder(ctx, r.DB, local.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", order.ID, errs.ErrForbidden)
	}
	return r.Confirm(ctx, externalID)
}

// Confirm verifies the intent against the gateway and, on success, confirms
// the order, commits its reservations and issues its tickets as one unit.
// Repeated calls return the stored outcome without repeating side effects.
func (r *Reconciler) Confirm(ctx context.Context, externalID string) (*ConfirmResult, error) {
	local, err := storage.GetByExternalID(ctx, r.DB, externalID)
	if err != nil {
		return nil, err
	}
	if local.Status == models.PaymentSucceeded {
		return r.storedResult(ctx, local.OrderID)
	}

	intent, err := r.Gateway.RetrievePaymentIntent(ctx, externalID)
	if err != nil {
		r.Logger.Warn("PAYMENT", fmt.Sprintf("Could not verify intent %s, leaving order %s pending: %v", externalID, local.OrderID, err))
		return nil, err
	}

	switch intent.Status {
	case services.IntentSucceeded:
	case services.IntentFailed:
		if _, err := storage.MarkFailed(ctx, r.DB, externalID, r.Now()); err != nil {
			return nil, err
		}
		r.Logger.LogPayment("DECLINED", externalID, fmt.Sprintf("Order %s stays pending for retry", local.OrderID))
		return &ConfirmResult{OrderID: local.OrderID}, fmt.Errorf("intent %s: %w", externalID, errs.ErrPaymentDeclined)
	default:
		return &ConfirmResult{OrderID: local.OrderID}, fmt.Errorf("intent %s: %w", externalID, errs.ErrPaymentPending)
	}

	if intent.Amount != ToMinorUnits(local.Amount) {
		r.Logger.LogSecurity("AMOUNT_MISMATCH", fmt.Sprintf("Intent %s paid %d, order %s expects %d", externalID, intent.Amount, local.OrderID, ToMinorUnits(local.Amount)))
		return nil, fmt.Errorf("%w: intent %s amount does not match order", errs.ErrValidation, externalID)
	}

	var (
		lostGuard   bool
		orderMissed bool
		order       *models.Order
		issued      []models.Ticket
	)
	err = database.RunInTx(ctx, r.DB, func(ctx context.Context, tx bun.Tx) error {
		lostGuard, orderMissed, order, issued = false, false, nil, nil
		now := r.Now()

		won, err := storage.MarkSucceeded(ctx, tx, externalID, now)
		if err != nil {
			return err
		}
		if !won {
			lostGuard = true
			return nil
		}

		ok, err := orderdb.TransitionStatus(ctx, tx, local.OrderID, models.OrderPending, models.OrderConfirmed, now)
		if err != nil {
			return err
		}
		if !ok {
			// late charge: refunded below, never the order's payment
			if _, err := storage.RevokeSuccess(ctx, tx, externalID, now); err != nil {
				return err
			}
			orderMissed = true
			return nil
		}

		reservations, err := r.Ledger.ReservationsForOrder(ctx, tx, local.OrderID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if err := r.Ledger.Commit(ctx, tx, res.ID); err != nil {
				return err
			}
		}

		order, err = orderdb.GetOrder(ctx, tx, local.OrderID)
		if err != nil {
			return err
		}
		issued, err = r.Tickets.Issue(ctx, tx, order)
		return err
	})
	if err != nil {
		r.Logger.Error("PAYMENT", fmt.Sprintf("Confirmation of %s failed: %v", externalID, err))
		return nil, err
	}

	if lostGuard {
		return r.storedResult(ctx, local.OrderID)
	}
	if orderMissed {
		r.refundLatePayment(ctx, local.OrderID, externalID, intent.Amount)
		return &ConfirmResult{OrderID: local.OrderID}, fmt.Errorf("order %s: %w", local.OrderID, errs.ErrOrderNotPending)
	}

	ticketIDs := make([]string, len(issued))
	for i, t := range issued {
		ticketIDs[i] = t.ID
	}

	if err := r.Holds.ClearHold(ctx, order.ID); err != nil {
		r.Logger.Warn("REDIS", fmt.Sprintf("Failed to clear hold for order %s: %v", order.ID, err))
	}
	if err := r.Events.PublishOrderEvent(ctx, models.NewOrderEvent(models.EventOrderConfirmed, *order, ticketIDs)); err != nil {
		r.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish confirmation of order %s: %v", order.ID, err))
	}

	r.Logger.LogOrder("CONFIRM", order.ID, fmt.Sprintf("Confirmed via intent %s with %d tickets", externalID, len(ticketIDs)))
	return &ConfirmResult{Success: true, OrderID: order.ID, TicketIDs: ticketIDs}, nil
}

// storedResult answers a repeated confirmation from the recorded state.
func (r *Reconciler) storedResult(ctx context.Context, orderID string) (*ConfirmResult, error) {
	order, err := orderdb.GetOrder(ctx, r.DB, orderID)
	if err != nil {
		return nil, err
	}
	tickets, err := r.Tickets.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ticketIDs := make([]string, len(tickets))
	for i, t := range tickets {
		ticketIDs[i] = t.ID
	}

	switch order.Status {
	case models.OrderConfirmed, models.OrderRefunded:
		return &ConfirmResult{Success: true, OrderID: orderID, TicketIDs: ticketIDs}, nil
	default:
		return &ConfirmResult{OrderID: orderID}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, errs.ErrOrderNotPending)
	}
}

func (r *Reconciler) refundLatePayment(ctx context.Context, orderID, externalID string, amount int64) {
	r.Logger.Warn("PAYMENT", fmt.Sprintf("Payment %s arrived after order %s left pending, refunding", externalID, orderID))
	if err := r.Gateway.CreateRefund(ctx, externalID, amount, "late_payment_refund:"+externalID); err != nil {
		r.Logger.Error("PAYMENT", fmt.Sprintf("Refund of late payment %s failed: %v", externalID, err))
	}
}

// MarkFailed records a failed payment. The order stays pending so the buyer
// can retry until its reservation expires.
func (r *Reconciler) MarkFailed(ctx context.Context, externalID string) error {
	local, err := storage.GetByExternalID(ctx, r.DB, externalID)
	if err != nil {
		return err
	}
	changed, err := storage.MarkFailed(ctx, r.DB, externalID, r.Now())
	if err != nil {
		return err
	}
	if changed {
		r.Logger.LogPayment("FAILED", externalID, fmt.Sprintf("Payment failed for order %s", local.OrderID))
	}
	return nil
}

// HandleConfirmation adapts Confirm to the Kafka consumer. Outcomes that a
// redelivery cannot change are not reported as errors.
func (r *Reconciler) HandleConfirmation(ctx context.Context, c models.PaymentConfirmation) error {
	_, err := r.Confirm(ctx, c.ExternalIntentID)
	if isSettledOutcome(err) {
		return nil
	}
	return err
}

func isSettledOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, errs.ErrPaymentDeclined) ||
		errors.Is(err, errs.ErrPaymentPending) ||
		errors.Is(err, errs.ErrOrderNotPending)
}

// Reconcile is used by the expiry sweep before cancelling an order. It
// reports whether the order got confirmed, and whether the gateway outcome is
// still unknown so the order must be left alone until the next run.
func (r *Reconciler) Reconcile(ctx context.Context, orderID string) (confirmed, unknown bool, err error) {
	local, err := storage.LatestForOrder(ctx, r.DB, orderID, models.PaymentPending)
	if errors.Is(err, errs.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, true, err
	}

	intent, err := r.Gateway.RetrievePaymentIntent(ctx, local.ExternalID)
	if err != nil {
		return false, true, err
	}
	switch intent.Status {
	case services.IntentProcessing:
		return false, true, nil
	case services.IntentSucceeded:
	default:
		return false, false, nil
	}

	res, err := r.Confirm(ctx, local.ExternalID)
	switch {
	case err == nil:
		return res.Success, false, nil
	case isSettledOutcome(err):
		return false, false, nil
	default:
		return false, true, err
	}
}

// AbandonIntents cancels the order's open intents at the gateway and marks
// them failed. Errors are logged only.
func (r *Reconciler) AbandonIntents(ctx context.Context, orderID string) {
	local, err := storage.LatestForOrder(ctx, r.DB, orderID, models.PaymentPending)
	if err != nil {
		return
	}
	if err := r.Gateway.CancelPaymentIntent(ctx, local.ExternalID); err != nil {
		r.Logger.Warn("PAYMENT", fmt.Sprintf("Failed to cancel intent %s of expired order %s: %v", local.ExternalID, orderID, err))
		return
	}
	if _, err := storage.MarkFailed(ctx, r.DB, local.ExternalID, r.Now()); err != nil {
		r.Logger.Warn("PAYMENT", fmt.Sprintf("Failed to mark intent %s failed: %v", local.ExternalID, err))
	}
}
