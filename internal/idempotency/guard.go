// Package idempotency provides a short-lived key reservation guard used to
// reject duplicate or replayed externally-triggered operations. Entries expire
// after a TTL sized to the allowed client/server clock skew; replays arriving
// after expiry are independently rejected by the unique external-hash
// constraint on the transactions table.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianfi/referral-engine/internal/adapter"
)

// DefaultTTL is the default reservation lifetime, matching the maximum
// allowed clock-skew window for signed requests
const DefaultTTL = 5 * time.Minute

// Guard reserves operation keys so an operation runs at most once per key
// within the TTL window
//
//go:generate mockgen -source=guard.go -destination=../mocks/guard.go -package=mocks -mock_names=Guard=MockGuard
type Guard interface {
	// Reserve atomically inserts key if absent, reporting whether the
	// reservation succeeded
	Reserve(ctx context.Context, key string) (bool, error)

	// HasReserved checks whether key is currently reserved without reserving
	HasReserved(ctx context.Context, key string) (bool, error)

	// Release drops a reservation so a corrected retry can succeed, e.g.
	// after a failed signature validation
	Release(ctx context.Context, key string) error
}

// MemoryGuard is an in-process Guard backed by a TTL map. It does not survive
// restarts and is suitable for single-instance deployments.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   adapter.Clock
}

// NewMemoryGuard creates an in-process guard with the given TTL; ttl <= 0
// falls back to DefaultTTL
func NewMemoryGuard(ttl time.Duration, clock adapter.Clock) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Reserve atomically inserts key if absent or expired
func (g *MemoryGuard) Reserve(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.sweep(now)

	if expiry, ok := g.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	g.entries[key] = now.Add(g.ttl)
	return true, nil
}

// HasReserved checks whether key is currently reserved
func (g *MemoryGuard) HasReserved(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.entries[key]
	return ok && g.clock.Now().Before(expiry), nil
}

// Release drops a reservation
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.entries, key)
	return nil
}

// sweep drops expired entries; called under the lock on every Reserve so the
// map stays bounded by the reservation rate times the TTL
func (g *MemoryGuard) sweep(now time.Time) {
	for key, expiry := range g.entries {
		if !now.Before(expiry) {
			delete(g.entries, key)
		}
	}
}

// RedisGuard is a Guard backed by a shared Redis instance, for multi-instance
// deployments where every instance must observe the same reservations
type RedisGuard struct {
	client adapter.RedisClient
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a Redis-backed guard; ttl <= 0 falls back to DefaultTTL
func NewRedisGuard(client adapter.RedisClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl, prefix: "idem:"}
}

// Reserve sets the key with NX semantics
func (g *RedisGuard) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, 1, g.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

// HasReserved checks whether the key exists
func (g *RedisGuard) HasReserved(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.Exists(ctx, g.prefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return ok, nil
}

// Release drops the key
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
