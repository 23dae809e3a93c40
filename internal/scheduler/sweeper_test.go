package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkout/internal/logger"
	"ms-checkout/internal/order"
)

type fakeOrders struct {
	mu      sync.Mutex
	sweeps  int
	expired []string
	err     error
}

func (f *fakeOrders) SweepExpired(context.Context) (order.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return order.SweepResult{}, f.err
}

func (f *fakeOrders) ExpireOrder(_ context.Context, id string) (order.SweepOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	return order.OutcomeCancelled, f.err
}

func (f *fakeOrders) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func TestSweeperRunsOnInterval(t *testing.T) {
	orders := &fakeOrders{}
	s, err := NewSweeper(orders, 20*time.Millisecond, logger.NewWriterLogger(io.Discard))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Eventually(t, func() bool { return orders.sweepCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSweeperKeepsRunningAfterErrors(t *testing.T) {
	orders := &fakeOrders{err: errors.New("db down")}
	s, err := NewSweeper(orders, 20*time.Millisecond, logger.NewWriterLogger(io.Discard))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Eventually(t, func() bool { return orders.sweepCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunOnceSkipsCancelledContext(t *testing.T) {
	orders := &fakeOrders{}
	s, err := NewSweeper(orders, 0, logger.NewWriterLogger(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, s.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)
	assert.Equal(t, 0, orders.sweepCount())

	s.RunOnce(context.Background())
	assert.Equal(t, 1, orders.sweepCount())
}

func TestOnHoldExpiredExpiresOrder(t *testing.T) {
	orders := &fakeOrders{}
	s, err := NewSweeper(orders, time.Minute, logger.NewWriterLogger(io.Discard))
	require.NoError(t, err)

	s.OnHoldExpired(context.Background(), "order-1")
	assert.Equal(t, []string{"order-1"}, orders.expired)
}
