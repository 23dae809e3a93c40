package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const holdPrefix = "reservation_hold:"

func holdKey(orderID string) string {
	return holdPrefix + orderID
}

// SetHold mirrors a reservation's lifetime in Redis so its expiry can be
// observed through keyspace notifications.
func (r *Redis) SetHold(ctx context.Context, orderID string, ttl time.Duration) error {
	if err := r.Client.Set(ctx, holdKey(orderID), orderID, ttl).Err(); err != nil {
		return fmt.Errorf("set hold %s: %w", orderID, err)
	}
	return nil
}

func (r *Redis) ClearHold(ctx context.Context, orderID string) error {
	if err := r.Client.Del(ctx, holdKey(orderID)).Err(); err != nil {
		return fmt.Errorf("clear hold %s: %w", orderID, err)
	}
	return nil
}

func (r *Redis) HoldExists(ctx context.Context, orderID string) (bool, error) {
	n, err := r.Client.Exists(ctx, holdKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("check hold %s: %w", orderID, err)
	}
	return n == 1, nil
}

// EnableExpiryNotifications turns on expired key events. Managed Redis
// offerings often forbid CONFIG SET; the database sweep still covers expiry
// when this fails.
func (r *Redis) EnableExpiryNotifications(ctx context.Context) error {
	if err := r.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		return fmt.Errorf("enable keyspace notifications: %w", err)
	}
	r.Logger.Info("REDIS", "Keyspace notifications enabled for expired events")
	return nil
}

// SubscribeExpiredHolds calls onExpired with the order id of every hold key
// that expires. The subscription is live when this returns; close the
// returned PubSub to stop it.
func (r *Redis) SubscribeExpiredHolds(ctx context.Context, onExpired func(ctx context.Context, orderID string)) (*redis.PubSub, error) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", r.Client.Options().DB)
	pubsub := r.Client.PSubscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	r.Logger.Info("REDIS", fmt.Sprintf("Subscribed to %s", channel))

	go func() {
		for msg := range pubsub.Channel() {
			if !strings.HasPrefix(msg.Payload, holdPrefix) {
				continue
			}
			orderID := strings.TrimPrefix(msg.Payload, holdPrefix)
			r.Logger.Info("RESERVATION", fmt.Sprintf("Hold expired for order %s", orderID))
			onExpired(ctx, orderID)
		}
	}()

	return pubsub, nil
}
