package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
)

const (
	lockPrefix       = "lock:"
	defaultLockWait  = 2 * time.Second
	lockPollInterval = 50 * time.Millisecond
)

// Only the holder of the token may release the lock.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
	// LockWait bounds how long AcquireLock polls a held lock.
	LockWait time.Duration
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{
		Client:   client,
		Logger:   log,
		LockWait: defaultLockWait,
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AcquireLock takes the named lock for ttl, polling until LockWait elapses.
// It returns the token needed to release it, or errs.ErrLocked.
func (r *Redis) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}

	key := lockPrefix + name
	deadline := time.Now().Add(r.LockWait)
	for {
		ok, err := r.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("lock %s: %w", name, errs.ErrLocked)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// ReleaseLock deletes the lock only if token still owns it.
func (r *Redis) ReleaseLock(ctx context.Context, name, token string) error {
	if err := unlockScript.Run(ctx, r.Client, []string{lockPrefix + name}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock.
func (r *Redis) WithLock(ctx context.Context, name string, ttl time.Duration, fn func() error) error {
	token, err := r.AcquireLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.ReleaseLock(context.Background(), name, token); err != nil {
			r.Logger.Warn("REDIS", err.Error())
		}
	}()
	return fn()
}
