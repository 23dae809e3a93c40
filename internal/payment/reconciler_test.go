package payment_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-checkout/internal/catalog"
	"ms-checkout/internal/database/dbtest"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/inventory"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	orderdb "ms-checkout/internal/order/db"
	orderredis "ms-checkout/internal/order/redis"
	"ms-checkout/internal/payment"
	"ms-checkout/internal/payment/services"
	"ms-checkout/internal/payment/storage"
	"ms-checkout/internal/tickets"
	qr "ms-checkout/internal/tickets/qr_genrator"
)

type fakeGateway struct {
	mu          sync.Mutex
	intents     map[string]*services.Intent
	created     int
	keys        []string
	refunds     []string
	cancelled   []string
	refundKeys  map[string]bool
	retrieveErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]*services.Intent{}, refundKeys: map[string]bool{}}
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, amount int64, currency string, metadata map[string]string, key string) (*services.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	g.keys = append(g.keys, key)
	id := fmt.Sprintf("pi_%d", g.created)
	intent := &services.Intent{ID: id, ClientSecret: id + "_secret", Status: services.IntentPending, Amount: amount, Currency: currency, Metadata: metadata}
	g.intents[id] = intent
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) RetrievePaymentIntent(_ context.Context, id string) (*services.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	intent, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent: %s", id)
	}
	cp := *intent
	return &cp, nil
}

// CreateRefund replays a repeated idempotency key like Stripe does.
func (g *fakeGateway) CreateRefund(_ context.Context, id string, _ int64, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundKeys[key] {
		return nil
	}
	g.refundKeys[key] = true
	g.refunds = append(g.refunds, id)
	return nil
}

func (g *fakeGateway) CancelPaymentIntent(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, id)
	if intent, ok := g.intents[id]; ok {
		intent.Status = services.IntentFailed
	}
	return nil
}

func (g *fakeGateway) setStatus(id string, status services.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id].Status = status
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishOrderEvent(ctx context.Context, event models.OrderEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type fixture struct {
	rec    *payment.Reconciler
	db     *bun.DB
	gw     *fakeGateway
	events *mockPublisher
	redis  *orderredis.Redis
	mr     *miniredis.Miniredis
	ledger *inventory.Ledger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	dbtest.SeedEvent(t, db, "evt-1")
	dbtest.SeedTicketType(t, db, "tt-1", "evt-1", 10, "50.00")

	log := logger.NewWriterLogger(io.Discard)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rds := orderredis.NewRedis(client, log)

	gen, err := qr.NewQRGenerator("test-secret")
	require.NoError(t, err)

	events := &mockPublisher{}
	events.On("PublishOrderEvent", mock.Anything, mock.Anything).Return(nil)

	gw := newFakeGateway()
	ledger := inventory.NewLedger(15 * time.Minute)
	rec := payment.NewReconciler(db, gw, ledger, tickets.NewTicketService(db, gen, log), rds, rds, events, "usd", "whsec_test", log)

	return &fixture{rec: rec, db: db, gw: gw, events: events, redis: rds, mr: mr, ledger: ledger}
}

// placeOrder reserves qty units of tt-1 and stores a pending order for user-1.
func (f *fixture) placeOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()

	tt, err := catalog.GetTicketType(ctx, f.db, "tt-1")
	require.NoError(t, err)

	orderID := uuid.New().String()
	_, err = f.ledger.Reserve(ctx, f.db, orderID, tt, qty)
	require.NoError(t, err)

	subtotal := tt.Price.Mul(decimal.NewFromInt(int64(qty)))
	now := time.Now().UTC()
	order := &models.Order{
		ID:        orderID,
		UserID:    "user-1",
		EventID:   "evt-1",
		Status:    models.OrderPending,
		Subtotal:  subtotal,
		Discount:  decimal.Zero,
		Total:     subtotal,
		Currency:  "usd",
		CreatedAt: now,
		UpdatedAt: now,
		LineItems: []models.OrderLineItem{{ID: uuid.New().String(), OrderID: orderID, TicketTypeID: tt.ID, Quantity: qty, UnitPrice: tt.Price}},
	}
	require.NoError(t, orderdb.CreateOrder(ctx, f.db, order))
	require.NoError(t, f.redis.SetHold(ctx, orderID, 15*time.Minute))
	return order
}

func (f *fixture) openIntent(t *testing.T, order *models.Order) string {
	t.Helper()
	resp, err := f.rec.CreateIntent(context.Background(), order.ID, order.UserID)
	require.NoError(t, err)
	return resp.PaymentIntentID
}

func (f *fixture) orderStatus(t *testing.T, id string) models.OrderStatus {
	t.Helper()
	order, err := orderdb.GetOrder(context.Background(), f.db, id)
	require.NoError(t, err)
	return order.Status
}

func TestCreateIntentUsesStoredTotalAndReusesPendingIntent(t *testing.T) {
	f := setup(t)
	order := f.placeOrder(t, 2)

	first, err := f.rec.CreateIntent(context.Background(), order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.PaymentIntentID+"_secret", first.ClientSecret)

	second, err := f.rec.CreateIntent(context.Background(), order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)

	assert.Equal(t, 1, f.gw.created)
	assert.Equal(t, int64(10000), f.gw.intents[first.PaymentIntentID].Amount)
	assert.Equal(t, "usd", f.gw.intents[first.PaymentIntentID].Currency)
	assert.Equal(t, order.ID, f.gw.intents[first.PaymentIntentID].Metadata["order_id"])
}

func TestCreateIntentRejections(t *testing.T) {
	f := setup(t)
	order := f.placeOrder(t, 1)

	_, err := f.rec.CreateIntent(context.Background(), order.ID, "someone-else")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.rec.CreateIntent(context.Background(), "missing", "user-1")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = orderdb.TransitionStatus(context.Background(), f.db, order.ID, models.OrderPending, models.OrderCancelled, time.Now().UTC())
	require.NoError(t, err)
	_, err = f.rec.CreateIntent(context.Background(), order.ID, "user-1")
	assert.ErrorIs(t, err, errs.ErrOrderNotPending)

	assert.Equal(t, 0, f.gw.created)
}

func TestConfirmCommitsReservationAndIssuesTickets(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 3)

	tt, err := catalog.GetTicketType(ctx, f.db, "tt-1")
	require.NoError(t, err)
	assert.Equal(t, 7, tt.Available)

	intentID := f.openIntent(t, order)
	f.gw.setStatus(intentID, services.IntentSucceeded)

	res, err := f.rec.Confirm(ctx, intentID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, order.ID, res.OrderID)
	assert.Len(t, res.TicketIDs, 3)

	assert.Equal(t, models.OrderConfirmed, f.orderStatus(t, order.ID))

	tt, err = catalog.GetTicketType(ctx, f.db, "tt-1")
	require.NoError(t, err)
	assert.Equal(t, 3, tt.Sold)
	assert.Equal(t, 7, tt.Available)
	require.NoError(t, f.ledger.CheckInvariant(ctx, f.db, "tt-1"))

	issued, err := f.rec.Tickets.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, issued, 3)
	for _, tk := range issued {
		assert.Equal(t, models.TicketValid, tk.Status)
	}

	local, err := storage.GetByExternalID(ctx, f.db, intentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, local.Status)

	assert.False(t, f.mr.Exists("reservation_hold:"+order.ID))
	f.events.AssertNumberOfCalls(t, "PublishOrderEvent", 1)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 2)
	intentID := f.openIntent(t, order)
	f.gw.setStatus(intentID, services.IntentSucceeded)

	first, err := f.rec.Confirm(ctx, intentID)
	require.NoError(t, err)
	second, err := f.rec.Confirm(ctx, intentID)
	require.NoError(t, err)

	assert.True(t, second.Success)
	assert.ElementsMatch(t, first.TicketIDs, second.TicketIDs)

	issued, err := f.rec.Tickets.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 2)

	tt, err := catalog.GetTicketType(ctx, f.db, "tt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, tt.Sold)
	f.events.AssertNumberOfCalls(t, "PublishOrderEvent", 1)
}

func TestConcurrentConfirmationsIssueOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 3)
	intentID := f.openIntent(t, order)
	f.gw.setStatus(intentID, services.IntentSucceeded)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*payment.ConfirmResult, callers)
	errList := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = f.rec.Confirm(ctx, intentID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errList[i])
		assert.True(t, results[i].Success)
		assert.Len(t, results[i].TicketIDs, 3)
	}

	issued, err := f.rec.Tickets.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 3)
	require.NoError(t, f.ledger.CheckInvariant(ctx, f.db, "tt-1"))
	f.events.AssertNumberOfCalls(t, "PublishOrderEvent", 1)
}

func TestConfirmDeclinedKeepsOrderPendingForRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 1)
	intentID := f.openIntent(t, order)
	f.gw.setStatus(intentID, services.IntentFailed)

	_, err := f.rec.Confirm(ctx, intentID)
	assert.ErrorIs(t, err, errs.ErrPaymentDeclined)
	assert.Equal(t, models.OrderPending, f.orderStatus(t, order.ID))

	local, err := storage.GetByExternalID(ctx, f.db, intentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, local.Status)

	retry := f.openIntent(t, order)
	assert.NotEqual(t, intentID, retry)
	assert.Equal(t, 2, f.gw.created)
	assert.NotEqual(t, f.gw.keys[0], f.gw.keys[1])
}

func TestConfirmWhileGatewayUndecided(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 1)
	intentID := f.openIntent(t, order)

	res, err := f.rec.Confirm(ctx, intentID)
	assert.ErrorIs(t, err, errs.ErrPaymentPending)
	assert.False(t, res.Success)

	f.gw.setStatus(intentID, services.IntentProcessing)
	_, err = f.rec.Confirm(ctx, intentID)
	assert.ErrorIs(t, err, errs.ErrPaymentPending)

	f.gw.retrieveErr = fmt.Errorf("retrieve payment intent: %w", errs.ErrPaymentGateway)
	_, err = f.rec.Confirm(ctx, intentID)
	assert.ErrorIs(t, err, errs.ErrPaymentGateway)

	assert.Equal(t, models.OrderPending, f.orderStatus(t, order.ID))
	local, err := storage.GetByExternalID(ctx, f.db, intentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, local.Status)
}

func TestConfirmUnknownIntent(t *testing.T) {
	f := setup(t)
	_, err := f.rec.Confirm(context.Background(), "pi_unknown")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLatePaymentOnCancelledOrderIsRefunded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 2)
	intentID := f.openIntent(t, order)

	ok, err := orderdb.TransitionStatus(ctx, f.db, order.ID, models.OrderPending, models.OrderCancelled, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	f.gw.setStatus(intentID, services.IntentSucceeded)
	_, err = f.rec.Confirm(ctx, intentID)
	assert.ErrorIs(t, err, errs.ErrOrderNotPending)
	assert.Equal(t, []string{intentID}, f.gw.refunds)

	_, err = f.rec.Confirm(ctx, intentID)
	assert.ErrorIs(t, err, errs.ErrOrderNotPending)
	assert.Len(t, f.gw.refunds, 1)

	local, err := storage.GetByExternalID(ctx, f.db, intentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, local.Status)

	issued, err := f.rec.Tickets.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, issued)
	f.events.AssertNotCalled(t, "PublishOrderEvent", mock.Anything, mock.Anything)
}

func TestPaidDeclinedIntentAfterRetryKeepsSingleSuccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 1)

	declined := f.openIntent(t, order)
	f.gw.setStatus(declined, services.IntentFailed)
	_, err := f.rec.Confirm(ctx, declined)
	require.ErrorIs(t, err, errs.ErrPaymentDeclined)

	retry := f.openIntent(t, order)
	f.gw.setStatus(retry, services.IntentSucceeded)
	res, err := f.rec.Confirm(ctx, retry)
	require.NoError(t, err)
	require.True(t, res.Success)

	// the buyer completes the first intent at the gateway as well
	f.gw.setStatus(declined, services.IntentSucceeded)
	_, err = f.rec.Confirm(ctx, declined)
	assert.ErrorIs(t, err, errs.ErrOrderNotPending)
	assert.Equal(t, []string{declined}, f.gw.refunds)

	succeeded, err := f.db.NewSelect().
		Model((*models.PaymentIntent)(nil)).
		Where("order_id = ?", order.ID).
		Where("status = ?", models.PaymentSucceeded).
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)

	paid, err := storage.LatestForOrder(ctx, f.db, order.ID, models.PaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, retry, paid.ExternalID)
	assert.Equal(t, models.OrderConfirmed, f.orderStatus(t, order.ID))
}

func TestConfirmForUserChecksOwnership(t *testing.T) {
	f := setup(t)
	order := f.placeOrder(t, 1)
	intentID := f.openIntent(t, order)
	f.gw.setStatus(intentID, services.IntentSucceeded)

	_, err := f.rec.ConfirmForUser(context.Background(), intentID, "intruder")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	res, err := f.rec.ConfirmForUser(context.Background(), intentID, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestHandleConfirmationTreatsSettledOutcomesAsHandled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 1)
	intentID := f.openIntent(t, order)

	assert.NoError(t, f.rec.HandleConfirmation(ctx, models.PaymentConfirmation{ExternalIntentID: intentID}))

	f.gw.setStatus(intentID, services.IntentSucceeded)
	assert.NoError(t, f.rec.HandleConfirmation(ctx, models.PaymentConfirmation{ExternalIntentID: intentID}))
	assert.NoError(t, f.rec.HandleConfirmation(ctx, models.PaymentConfirmation{ExternalIntentID: intentID}))
	assert.Equal(t, models.OrderConfirmed, f.orderStatus(t, order.ID))

	err := f.rec.HandleConfirmation(ctx, models.PaymentConfirmation{ExternalIntentID: "pi_unknown"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestReconcile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	noIntent := f.placeOrder(t, 1)
	confirmed, unknown, err := f.rec.Reconcile(ctx, noIntent.ID)
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.False(t, unknown)

	awaiting := f.placeOrder(t, 1)
	f.openIntent(t, awaiting)
	confirmed, unknown, err = f.rec.Reconcile(ctx, awaiting.ID)
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.False(t, unknown)

	processing := f.placeOrder(t, 1)
	f.gw.setStatus(f.openIntent(t, processing), services.IntentProcessing)
	confirmed, unknown, err = f.rec.Reconcile(ctx, processing.ID)
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.True(t, unknown)

	paid := f.placeOrder(t, 1)
	f.gw.setStatus(f.openIntent(t, paid), services.IntentSucceeded)
	confirmed, unknown, err = f.rec.Reconcile(ctx, paid.ID)
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.False(t, unknown)
	assert.Equal(t, models.OrderConfirmed, f.orderStatus(t, paid.ID))
}

func TestAbandonIntentsCancelsAtGateway(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	order := f.placeOrder(t, 1)
	intentID := f.openIntent(t, order)

	f.rec.AbandonIntents(ctx, order.ID)

	assert.Equal(t, []string{intentID}, f.gw.cancelled)
	local, err := storage.GetByExternalID(ctx, f.db, intentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, local.Status)
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(9000), payment.ToMinorUnits(decimal.RequireFromString("90.00")))
	assert.Equal(t, int64(1999), payment.ToMinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(0), payment.ToMinorUnits(decimal.Zero))
}
