package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DebtSweepLockKey builds the redis key guarding the debt fulfillability sweep.
func DebtSweepLockKey(masterWarehouseID int64) string {
	return fmt.Sprintf("transfer:debt-sweep:%d:lock", masterWarehouseID)
}

var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Locker hands out short-lived redis locks for critical sections that span processes.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a Locker. A nil client disables locking.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// WithLock runs fn while holding key. ErrLockNotAcquired is returned when another
// holder owns the key.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	if key == "" {
		return errors.New("lock key required")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}
	defer func() {
		// release with a fresh context so a cancelled caller still frees the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}()
	return fn(ctx)
}
