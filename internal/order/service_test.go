package order_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

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
	"ms-checkout/internal/order"
	"ms-checkout/internal/promo"
)

// Mock implementations
type MockHolds struct {
	mock.Mock
}

func (m *MockHolds) SetHold(ctx context.Context, orderID string, ttl time.Duration) error {
	args := m.Called(orderID, ttl)
	return args.Error(0)
}

func (m *MockHolds) ClearHold(ctx context.Context, orderID string) error {
	args := m.Called(orderID)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishOrderEvent(ctx context.Context, event models.OrderEvent) error {
	args := m.Called(event.Type, event.OrderID)
	return args.Error(0)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Reconcile(ctx context.Context, orderID string) (bool, bool, error) {
	args := m.Called(orderID)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

func (m *MockReconciler) AbandonIntents(ctx context.Context, orderID string) {
	m.Called(orderID)
}

type fixture struct {
	svc    *order.OrderService
	db     *bun.DB
	holds  *MockHolds
	events *MockPublisher
}

func setup(t *testing.T, quantity int) *fixture {
	t.Helper()
	db := dbtest.New(t)
	dbtest.SeedEvent(t, db, "evt-1")
	dbtest.SeedEvent(t, db, "evt-2")
	dbtest.SeedTicketType(t, db, "tt-1", "evt-1", quantity, "50.00")
	dbtest.SeedTicketType(t, db, "tt-other", "evt-2", 10, "20.00")

	holds := &MockHolds{}
	holds.On("SetHold", mock.Anything, mock.Anything).Return(nil)
	holds.On("ClearHold", mock.Anything).Return(nil)
	events := &MockPublisher{}
	events.On("PublishOrderEvent", mock.Anything, mock.Anything).Return(nil)

	log := logger.NewWriterLogger(io.Discard)
	svc := order.NewOrderService(db, inventory.NewLedger(15*time.Minute), promo.NewEngine(log), holds, events, "usd", log)
	return &fixture{svc: svc, db: db, holds: holds, events: events}
}

func (f *fixture) ticketType(t *testing.T) *models.TicketType {
	t.Helper()
	tt, err := catalog.GetTicketType(context.Background(), f.db, "tt-1")
	require.NoError(t, err)
	return tt
}

func seedPromo(t *testing.T, db bun.IDB, code string, maxUses *int) {
	t.Helper()
	now := time.Now().UTC()
	p := &models.PromoCode{
		ID:            "promo-" + code,
		Code:          code,
		DiscountType:  models.PERCENTAGE,
		DiscountValue: decimal.NewFromInt(10),
		MinPurchase:   decimal.Zero,
		MaxUses:       maxUses,
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.Add(time.Hour),
		Active:        true,
		CreatedAt:     now,
	}
	_, err := db.NewInsert().Model(p).Exec(context.Background())
	require.NoError(t, err)
}

func input(qty int) order.CreateOrderInput {
	return order.CreateOrderInput{UserID: "user-1", EventID: "evt-1", TicketTypeID: "tt-1", Quantity: qty}
}

func TestCreateReservesStockAndPersistsPendingOrder(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, input(3))
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, created.Status)
	assert.True(t, created.Subtotal.Equal(decimal.NewFromInt(150)))
	assert.True(t, created.Total.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "usd", created.Currency)

	stored, err := f.svc.GetForUser(ctx, created.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, stored.LineItems, 1)
	assert.True(t, stored.LineItems[0].UnitPrice.Equal(decimal.NewFromInt(50)))

	tt := f.ticketType(t)
	assert.Equal(t, 7, tt.Available)
	assert.Equal(t, 0, tt.Sold)
	require.NoError(t, f.svc.Ledger.CheckInvariant(ctx, f.db, "tt-1"))

	f.holds.AssertCalled(t, "SetHold", created.ID, 15*time.Minute)
	f.events.AssertCalled(t, "PublishOrderEvent", models.EventOrderCreated, created.ID)
}

func TestCreateWithPercentagePromo(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	seedPromo(t, f.db, "SPRING10", nil)

	in := input(2)
	in.PromoCode = " spring10 "
	created, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	assert.True(t, created.Subtotal.Equal(decimal.NewFromInt(100)))
	assert.True(t, created.Discount.Equal(decimal.NewFromInt(10)))
	assert.True(t, created.Total.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, "SPRING10", created.PromoCode)

	var p models.PromoCode
	require.NoError(t, f.db.NewSelect().Model(&p).Where("code = ?", "SPRING10").Scan(ctx))
	assert.Equal(t, 1, p.UsedCount)

	n, err := f.db.NewSelect().Model((*models.PromoCodeUsage)(nil)).Where("order_id = ?", created.ID).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateRejections(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    order.CreateOrderInput
		check func(t *testing.T, err error)
	}{
		{"unknown event", order.CreateOrderInput{UserID: "user-1", EventID: "nope", TicketTypeID: "tt-1", Quantity: 1},
			func(t *testing.T, err error) { assert.ErrorIs(t, err, errs.ErrNotFound) }},
		{"unknown ticket type", order.CreateOrderInput{UserID: "user-1", EventID: "evt-1", TicketTypeID: "nope", Quantity: 1},
			func(t *testing.T, err error) { assert.ErrorIs(t, err, errs.ErrNotFound) }},
		{"ticket type of another event", order.CreateOrderInput{UserID: "user-1", EventID: "evt-1", TicketTypeID: "tt-other", Quantity: 1},
			func(t *testing.T, err error) { assert.ErrorIs(t, err, errs.ErrNotFound) }},
		{"zero quantity", input(0),
			func(t *testing.T, err error) { assert.ErrorIs(t, err, errs.ErrValidation) }},
		{"above max per order", input(11),
			func(t *testing.T, err error) { assert.ErrorIs(t, err, errs.ErrQuantityOutOfBounds) }},
		{"unknown promo", order.CreateOrderInput{UserID: "user-1", EventID: "evt-1", TicketTypeID: "tt-1", Quantity: 1, PromoCode: "GHOST"},
			func(t *testing.T, err error) { assert.True(t, errs.IsPromoReason(err, errs.ReasonNotFound)) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.in)
			require.Error(t, err)
			tc.check(t, err)
		})
	}

	// nothing leaked from the rejected attempts
	assert.Equal(t, 10, f.ticketType(t).Available)
	n, err := f.db.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, f.svc.Ledger.CheckInvariant(ctx, f.db, "tt-1"))
}

func TestCreateRejectsPromoCoveringWholeOrder(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	one := 1
	now := time.Now().UTC()
	comp := &models.PromoCode{
		ID:            "promo-COMP",
		Code:          "COMP",
		DiscountType:  models.FIXED,
		DiscountValue: decimal.NewFromInt(500),
		MinPurchase:   decimal.Zero,
		MaxUses:       &one,
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.Add(time.Hour),
		Active:        true,
		CreatedAt:     now,
	}
	_, err := f.db.NewInsert().Model(comp).Exec(ctx)
	require.NoError(t, err)

	in := input(2)
	in.PromoCode = "COMP"
	_, err = f.svc.Create(ctx, in)
	assert.ErrorIs(t, err, errs.ErrValidation)

	// the comp code is still spendable and no stock is held
	var p models.PromoCode
	require.NoError(t, f.db.NewSelect().Model(&p).Where("code = ?", "COMP").Scan(ctx))
	assert.Equal(t, 0, p.UsedCount)
	usages, err := f.db.NewSelect().Model((*models.PromoCodeUsage)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, usages)
	orders, err := f.db.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, orders)
	assert.Equal(t, 10, f.ticketType(t).Available)
	require.NoError(t, f.svc.Ledger.CheckInvariant(ctx, f.db, "tt-1"))
}

func TestCreateInsufficientInventory(t *testing.T) {
	f := setup(t, 4)

	_, err := f.svc.Create(context.Background(), input(5))
	assert.ErrorIs(t, err, errs.ErrInsufficientInventory)
	assert.Equal(t, 4, f.ticketType(t).Available)
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()

	const buyers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		soldOut   int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, input(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrInsufficientInventory):
				soldOut++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, soldOut)
	assert.Equal(t, 0, f.ticketType(t).Available)
	require.NoError(t, f.svc.Ledger.CheckInvariant(ctx, f.db, "tt-1"))
}

func TestConcurrentOrdersShareSingleUsePromo(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	one := 1
	seedPromo(t, f.db, "ONCE", &one)

	var wg sync.WaitGroup
	errList := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := input(1)
			in.UserID = []string{"alice", "bob"}[i]
			in.PromoCode = "ONCE"
			_, errList[i] = f.svc.Create(ctx, in)
		}(i)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errList {
		switch {
		case err == nil:
			ok++
		case errs.IsPromoReason(err, errs.ReasonExhausted):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)

	// the loser's reservation rolled back with it
	assert.Equal(t, 9, f.ticketType(t).Available)
}

func TestGetForUserChecksOwnership(t *testing.T) {
	f := setup(t, 10)
	created, err := f.svc.Create(context.Background(), input(1))
	require.NoError(t, err)

	_, err = f.svc.GetForUser(context.Background(), created.ID, "intruder")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListByUser(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, input(1))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, input(2))
	require.NoError(t, err)

	orders, err := f.svc.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestExpiredReservationIsCancelledAndStockRestored(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, input(5))
	require.NoError(t, err)
	assert.Equal(t, 5, f.ticketType(t).Available)

	// not yet expired
	cancelled, err := f.svc.CancelExpiredReservation(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	later := time.Now().UTC().Add(16 * time.Minute)
	f.svc.Now = func() time.Time { return later }

	result, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.SweepResult{Scanned: 1, Cancelled: 1}, result)

	stored, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, stored.Status)
	assert.NotNil(t, stored.CancelledAt)
	assert.Equal(t, 10, f.ticketType(t).Available)
	require.NoError(t, f.svc.Ledger.CheckInvariant(ctx, f.db, "tt-1"))

	f.holds.AssertCalled(t, "ClearHold", created.ID)
	f.events.AssertCalled(t, "PublishOrderEvent", models.EventOrderCancelled, created.ID)

	// idempotent
	cancelled, err = f.svc.CancelExpiredReservation(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	result, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
	assert.Equal(t, 10, f.ticketType(t).Available)
}

func TestExpireOrderDefersToPaymentReconciliation(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	paid, err := f.svc.Create(ctx, input(1))
	require.NoError(t, err)
	undecided, err := f.svc.Create(ctx, input(1))
	require.NoError(t, err)
	abandoned, err := f.svc.Create(ctx, input(1))
	require.NoError(t, err)

	payments := &MockReconciler{}
	payments.On("Reconcile", paid.ID).Return(true, false, nil)
	payments.On("Reconcile", undecided.ID).Return(false, true, nil)
	payments.On("Reconcile", abandoned.ID).Return(false, false, nil)
	payments.On("AbandonIntents", abandoned.ID).Return()
	f.svc.Payments = payments

	later := time.Now().UTC().Add(16 * time.Minute)
	f.svc.Now = func() time.Time { return later }

	outcome, err := f.svc.ExpireOrder(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeConfirmed, outcome)

	outcome, err = f.svc.ExpireOrder(ctx, undecided.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeSkipped, outcome)

	outcome, err = f.svc.ExpireOrder(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeCancelled, outcome)

	for id, want := range map[string]models.OrderStatus{
		undecided.ID: models.OrderPending,
		abandoned.ID: models.OrderCancelled,
	} {
		stored, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, stored.Status)
	}
	payments.AssertExpectations(t)
	payments.AssertNotCalled(t, "AbandonIntents", undecided.ID)
}

func TestCancellationReturnsPromoUse(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	one := 1
	seedPromo(t, f.db, "ONCE", &one)
	_, err := f.db.NewUpdate().Model((*models.PromoCode)(nil)).
		Set("max_uses_per_user = ?", 1).
		Where("code = ?", "ONCE").
		Exec(ctx)
	require.NoError(t, err)

	usedCount := func() int {
		var p models.PromoCode
		require.NoError(t, f.db.NewSelect().Model(&p).Where("code = ?", "ONCE").Scan(ctx))
		return p.UsedCount
	}

	in := input(1)
	in.PromoCode = "ONCE"
	abandoned, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, in)
	assert.True(t, errs.IsPromoReason(err, errs.ReasonExhausted))

	later := time.Now().UTC().Add(16 * time.Minute)
	f.svc.Now = func() time.Time { return later }
	cancelled, err := f.svc.CancelExpiredReservation(ctx, abandoned.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	assert.Equal(t, 0, usedCount())

	// the usage record of the cancelled order is kept
	n, err := f.db.NewSelect().Model((*models.PromoCodeUsage)(nil)).Where("order_id = ?", abandoned.ID).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// same user, same single-use code: the cancelled order no longer counts
	retried, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "ONCE", retried.PromoCode)
	assert.Equal(t, 1, usedCount())

	cancelled, err = f.svc.CancelExpiredReservation(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, 1, usedCount())
}
