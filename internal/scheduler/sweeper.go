package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"ms-checkout/internal/logger"
	"ms-checkout/internal/order"
)

const DefaultSweepInterval = 30 * time.Second

type ExpiryHandler interface {
	SweepExpired(ctx context.Context) (order.SweepResult, error)
	ExpireOrder(ctx context.Context, orderID string) (order.SweepOutcome, error)
}

// Sweeper releases reservations whose TTL elapsed. The interval job is the
// safety net; Redis hold expiry notifications feed OnHoldExpired for a
// faster path.
type Sweeper struct {
	scheduler gocron.Scheduler
	orders    ExpiryHandler
	interval  time.Duration
	log       *logger.Logger
}

func NewSweeper(orders ExpiryHandler, interval time.Duration, log *logger.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Sweeper{scheduler: s, orders: orders, interval: interval, log: log}, nil
}

// Start schedules the sweep. Runs never overlap; a run still in progress
// when the next is due pushes it back.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.RunOnce, ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reservation-expiry-sweep"),
	)
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	s.scheduler.Start()
	s.log.Info("SWEEP", fmt.Sprintf("Reservation expiry sweeper started (every %s)", s.interval))
	return nil
}

func (s *Sweeper) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.orders.SweepExpired(ctx); err != nil {
		s.log.Error("SWEEP", fmt.Sprintf("Expiry sweep failed: %v", err))
	}
}

// OnHoldExpired handles a reservation hold key expiring in Redis.
func (s *Sweeper) OnHoldExpired(ctx context.Context, orderID string) {
	outcome, err := s.orders.ExpireOrder(ctx, orderID)
	if err != nil {
		s.log.Error("SWEEP", fmt.Sprintf("Failed to expire order %s: %v", orderID, err))
		return
	}
	if outcome == order.OutcomeSkipped {
		s.log.Debug("SWEEP", fmt.Sprintf("Order %s left for the next sweep", orderID))
	}
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
