package doorlock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL covers the lifetime of one door-open request with margin.
const DefaultTTL = 10 * time.Second

// Lock is a redis SetNX lock per (user, day). It only suppresses duplicate
// rapid requests; the participation unique index is what actually enforces
// one door per user per day.
type Lock struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{Client: client, TTL: ttl}
}

func key(userID string, day int) string {
	return fmt.Sprintf("door_lock:%s:%d", userID, day)
}

func (l *Lock) LockDoor(ctx context.Context, userID string, day int) (bool, error) {
	return l.Client.SetNX(ctx, key(userID, day), "1", l.TTL).Result()
}

func (l *Lock) UnlockDoor(ctx context.Context, userID string, day int) error {
	_, err := l.Client.Del(ctx, key(userID, day)).Result()
	return err
}
