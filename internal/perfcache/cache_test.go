package perfcache_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/perfcache"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// fakeStore serves a small fixed tree:
//
//	A(1) ── B(2) ── C(3)
//	   └── D(4)
//
// with staked balances B=100, C=1000, D=300.
type fakeStore struct {
	subtreeCalls int
	branchCalls  int
}

var (
	addrA = "0xaaa"
	addrB = "0xbbb"
	addrC = "0xccc"
	addrD = "0xddd"

	participants = map[string]*schema.Participant{
		addrA: {ID: 1, Address: addrA, Path: "1", Depth: 0},
		addrB: {ID: 2, Address: addrB, Path: "1.2", Depth: 1, SuperiorAddress: &addrA},
		addrC: {ID: 3, Address: addrC, Path: "1.2.3", Depth: 2, SuperiorAddress: &addrB},
		addrD: {ID: 4, Address: addrD, Path: "1.4", Depth: 1, SuperiorAddress: &addrA},
	}

	staked = map[string]decimal.Decimal{
		addrA: decimal.Zero,
		addrB: decimal.NewFromInt(100),
		addrC: decimal.NewFromInt(1000),
		addrD: decimal.NewFromInt(300),
	}
)

func (f *fakeStore) GetParticipantByAddress(_ context.Context, address string) (*schema.Participant, error) {
	return participants[address], nil
}

func (f *fakeStore) GetParticipantByID(_ context.Context, id int64) (*schema.Participant, error) {
	for _, p := range participants {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DirectSubordinates(_ context.Context, address string) ([]*schema.Participant, error) {
	var out []*schema.Participant
	for _, p := range []*schema.Participant{participants[addrB], participants[addrC], participants[addrD]} {
		if p.SuperiorAddress != nil && *p.SuperiorAddress == address {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) SumStakedBySubtree(_ context.Context, path domain.Path) (decimal.Decimal, error) {
	f.subtreeCalls++
	return f.sum(path, false), nil
}

func (f *fakeStore) SumStakedByBranch(_ context.Context, path domain.Path) (decimal.Decimal, error) {
	f.branchCalls++
	return f.sum(path, true), nil
}

func (f *fakeStore) sum(path domain.Path, includeSelf bool) decimal.Decimal {
	total := decimal.Zero
	prefix := path.SubtreePrefix()
	for addr, p := range participants {
		if includeSelf && p.Path == path.String() {
			total = total.Add(staked[addr])
		}
		if len(p.Path) > len(prefix) && p.Path[:len(prefix)] == prefix {
			total = total.Add(staked[addr])
		}
	}
	return total
}

func thresholds() []decimal.Decimal {
	return []decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(500),
		decimal.NewFromInt(2000),
	}
}

func TestTotalPerformance_IncludesIndirectDownline(t *testing.T) {
	cache := perfcache.New(&fakeStore{}, thresholds())

	// C is not A's direct subordinate but its stake counts toward A
	total, err := cache.TotalPerformance(context.Background(), addrA)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(1400)), "got %s", total)
}

func TestTotalPerformance_Memoized(t *testing.T) {
	st := &fakeStore{}
	cache := perfcache.New(st, thresholds())
	ctx := context.Background()

	_, err := cache.TotalPerformance(ctx, addrA)
	require.NoError(t, err)
	_, err = cache.TotalPerformance(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, 1, st.subtreeCalls)

	// invalidation forces a recompute
	cache.Invalidate(ctx, addrA)
	_, err = cache.TotalPerformance(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, 2, st.subtreeCalls)
}

func TestPartialPerformance_DropsStrongestBranch(t *testing.T) {
	cache := perfcache.New(&fakeStore{}, thresholds())

	// A's branches: B-branch = 1100, D-branch = 300; partial drops the
	// strongest so one deep branch cannot carry a level
	partial, err := cache.PartialPerformance(context.Background(), addrA)
	require.NoError(t, err)
	assert.True(t, partial.Equal(decimal.NewFromInt(300)), "got %s", partial)
}

func TestLevel(t *testing.T) {
	cache := perfcache.New(&fakeStore{}, thresholds())

	// partial 300 clears the 100 threshold but not 500
	level, err := cache.Level(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, 1, level)
}

func TestLevelFor_Monotone(t *testing.T) {
	th := thresholds()

	assert.Equal(t, 0, perfcache.LevelFor(decimal.NewFromInt(99), th))
	assert.Equal(t, 1, perfcache.LevelFor(decimal.NewFromInt(100), th))
	assert.Equal(t, 2, perfcache.LevelFor(decimal.NewFromInt(500), th))
	assert.Equal(t, 3, perfcache.LevelFor(decimal.NewFromInt(999999), th))

	prev := 0
	for v := int64(0); v < 3000; v += 50 {
		level := perfcache.LevelFor(decimal.NewFromInt(v), th)
		assert.GreaterOrEqual(t, level, prev)
		prev = level
	}
}

func TestInvalidate_CoversAncestors(t *testing.T) {
	st := &fakeStore{}
	cache := perfcache.New(st, thresholds())
	ctx := context.Background()

	_, err := cache.TotalPerformance(ctx, addrA)
	require.NoError(t, err)
	_, err = cache.TotalPerformance(ctx, addrB)
	require.NoError(t, err)
	calls := st.subtreeCalls

	// a stake under C invalidates C and its ancestors B and A
	cache.Invalidate(ctx, addrC)

	_, err = cache.TotalPerformance(ctx, addrA)
	require.NoError(t, err)
	_, err = cache.TotalPerformance(ctx, addrB)
	require.NoError(t, err)
	assert.Equal(t, calls+2, st.subtreeCalls)
}
