package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/referral-engine/internal/idempotency"
)

// fakeClock is a manually advanced clock for TTL tests
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *fakeClock) Sleep(d time.Duration)                  { c.now = c.now.Add(d) }
func (c *fakeClock) Unix(sec int64, nsec int64) time.Time   { return time.Unix(sec, nsec) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func TestMemoryGuard_ReserveOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	guard := idempotency.NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	ok, err := guard.Reserve(ctx, "claim:0xabc")
	require.NoError(t, err)
	assert.True(t, ok)

	// second reservation within the TTL is rejected
	ok, err = guard.Reserve(ctx, "claim:0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	reserved, err := guard.HasReserved(ctx, "claim:0xabc")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestMemoryGuard_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	guard := idempotency.NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	ok, err := guard.Reserve(ctx, "transfer:0xdef")
	require.NoError(t, err)
	require.True(t, ok)

	clock.now = clock.now.Add(61 * time.Second)

	reserved, err := guard.HasReserved(ctx, "transfer:0xdef")
	require.NoError(t, err)
	assert.False(t, reserved)

	// the key can be reserved again after expiry
	ok, err = guard.Reserve(ctx, "transfer:0xdef")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGuard_Release(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	guard := idempotency.NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	ok, err := guard.Reserve(ctx, "withdraw:0x123")
	require.NoError(t, err)
	require.True(t, ok)

	// a failed signature check releases the key so a corrected retry works
	require.NoError(t, guard.Release(ctx, "withdraw:0x123"))

	ok, err = guard.Reserve(ctx, "withdraw:0x123")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGuard_IndependentKeys(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	guard := idempotency.NewMemoryGuard(time.Minute, clock)
	ctx := context.Background()

	ok, err := guard.Reserve(ctx, "claim:0xaaa")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = guard.Reserve(ctx, "claim:0xbbb")
	require.NoError(t, err)
	assert.True(t, ok)
}
