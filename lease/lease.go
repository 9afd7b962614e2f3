// Package lease guarantees at most one in-flight reconciliation per subscriber.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Release gives up a held lease.
type Release func()

// Locker hands out per-key leases without blocking. ok is false when the
// key is already held.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release Release, ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	held map[string]struct{}
	mu   sync.Mutex
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *Local) TryAcquire(_ context.Context, key string) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Deletes the key only if it still holds our token, so an expired lease
// re-acquired by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica using the same Redis.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed Locker. ttl bounds how long a crashed
// holder can block a key.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, logger: logger, prefix: prefix, ttl: ttl}
}

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, key string) (Release, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	full := r.prefix + key

	ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release on a short fresh one.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
				r.logger.Warn("Failed to release lease, it will expire", "key", full, "error", err)
			}
		})
	}, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
