package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// fakeBalanceStore applies mutations to in-memory balances with the same
// all-or-nothing and non-negativity semantics as the real store
type fakeBalanceStore struct {
	balances map[string]*schema.Balance
	flows    []*schema.Transaction
	statuses []store.StatusUpdate
}

func newFakeBalanceStore() *fakeBalanceStore {
	return &fakeBalanceStore{balances: make(map[string]*schema.Balance)}
}

func (f *fakeBalanceStore) MutateBalance(_ context.Context, address string, fn store.BalanceMutator) (*store.LedgerMutation, error) {
	bal, ok := f.balances[address]
	if !ok {
		return nil, domain.ErrNotFound
	}

	snapshot := *bal
	mutation, err := fn(&snapshot)
	if err != nil {
		return nil, err
	}
	if mutation == nil {
		return nil, nil
	}

	stable := bal.StablePoints.Add(mutation.StableDelta)
	staked := bal.StakedPoints.Add(mutation.StakedDelta)
	locked := bal.LockedPoints.Add(mutation.LockedDelta)
	staticCap := bal.StakeRewardCap.Add(mutation.StaticCapDelta)
	dynamicCap := bal.StakeDynamicRewardCap.Add(mutation.DynamicCapDelta)
	for _, v := range []decimal.Decimal{stable, staked, locked, staticCap, dynamicCap} {
		if v.IsNegative() {
			return nil, domain.ErrInsufficientBalance
		}
	}

	bal.StablePoints = stable
	bal.StakedPoints = staked
	bal.LockedPoints = locked
	bal.StakeRewardCap = staticCap
	bal.StakeDynamicRewardCap = dynamicCap
	f.flows = append(f.flows, mutation.Flows...)
	if mutation.StatusUpdate != nil {
		f.statuses = append(f.statuses, *mutation.StatusUpdate)
	}
	return mutation, nil
}

func (f *fakeBalanceStore) MutateBalances(ctx context.Context, ops []store.BalanceOp) error {
	backup := make(map[string]schema.Balance, len(f.balances))
	for addr, bal := range f.balances {
		backup[addr] = *bal
	}
	for _, op := range ops {
		if _, err := f.MutateBalance(ctx, op.Address, op.Fn); err != nil {
			for addr := range f.balances {
				restored := backup[addr]
				f.balances[addr] = &restored
			}
			return err
		}
	}
	return nil
}

func testRewards(t *testing.T) *config.RewardsConfig {
	t.Helper()
	cfg := &config.RewardsConfig{
		LevelThresholds:     []string{"1000", "10000"},
		StaticRates:         []string{"0.003", "0.005", "0.007"},
		DynamicRates:        []string{"0", "0.01", "0.02"},
		StaticCapMultiple:   "3",
		DynamicCapIncrement: "100",
		DynamicCapCeiling:   "250",
		DynamicScale:        "1",
		MidNodePrice:        "5000",
		TopNodePrice:        "20000",
		MidNodeDiffRate:     "0.05",
		TopNodeDiffRate:     "0.1",
	}
	require.NoError(t, cfg.Parse())
	return cfg
}

func newService(t *testing.T) (*ledger.Service, *fakeBalanceStore) {
	st := newFakeBalanceStore()
	return ledger.NewService(st, testRewards(t)), st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApply_StakeOpensStaticCap(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa"}

	entry, err := svc.Apply(context.Background(), ledger.ApplyInput{
		Address: "0xa", Amount: dec("1000"),
		Kind: domain.TxKindStake, TokenType: domain.TokenTypeStaked,
	})
	require.NoError(t, err)
	assert.True(t, entry.Credited.Equal(dec("1000")))

	bal := st.balances["0xa"]
	assert.True(t, bal.StakedPoints.Equal(dec("1000")))
	assert.True(t, bal.StakeRewardCap.Equal(dec("3000")), "cap = stake x multiple, got %s", bal.StakeRewardCap)
	require.Len(t, st.flows, 1)
	assert.Equal(t, domain.TxKindStake, st.flows[0].Kind)
}

func TestApply_WithdrawInsufficientBalance(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa", StablePoints: dec("50")}

	_, err := svc.Apply(context.Background(), ledger.ApplyInput{
		Address: "0xa", Amount: dec("100"),
		Kind: domain.TxKindWithdraw, TokenType: domain.TokenTypeStable,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// nothing mutated, nothing recorded
	assert.True(t, st.balances["0xa"].StablePoints.Equal(dec("50")))
	assert.Empty(t, st.flows)
}

func TestApply_RejectsNegativeAmount(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa"}

	_, err := svc.Apply(context.Background(), ledger.ApplyInput{
		Address: "0xa", Amount: dec("-1"),
		Kind: domain.TxKindStake, TokenType: domain.TokenTypeStaked,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestApply_StaticRewardClippedToCap(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa", StakeRewardCap: dec("30")}

	entry, err := svc.Apply(context.Background(), ledger.ApplyInput{
		Address: "0xa", Amount: dec("100"),
		Kind: domain.TxKindStakeStaticReward, TokenType: domain.TokenTypeStable,
	})
	require.NoError(t, err)

	// credited <= cap_before, cap_after = cap_before - credited
	assert.True(t, entry.Credited.Equal(dec("30")))
	bal := st.balances["0xa"]
	assert.True(t, bal.StablePoints.Equal(dec("30")))
	assert.True(t, bal.StakeRewardCap.IsZero())
	// the excess is discarded, not carried forward
	require.Len(t, st.flows, 1)
	assert.True(t, st.flows[0].Amount.Equal(dec("30")))
}

func TestApply_ExhaustedCapCreditsNothing(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa"}

	entry, err := svc.Apply(context.Background(), ledger.ApplyInput{
		Address: "0xa", Amount: dec("100"),
		Kind: domain.TxKindStakeDynamicReward, TokenType: domain.TokenTypeStable,
	})
	require.NoError(t, err)
	assert.True(t, entry.Credited.IsZero())
	assert.Empty(t, st.flows)
}

func TestApply_StatusUpdateTravelsWithMutation(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa"}

	_, err := svc.Apply(context.Background(), ledger.ApplyInput{
		Address: "0xa", Amount: dec("500"),
		Kind: domain.TxKindStake, TokenType: domain.TokenTypeStaked,
		TriggeringTx: &store.StatusUpdate{TransactionID: "tx-1", Status: domain.TxStatusConfirmed},
	})
	require.NoError(t, err)

	// the originating transaction advances instead of a new flow insert
	assert.Empty(t, st.flows)
	require.Len(t, st.statuses, 1)
	assert.Equal(t, "tx-1", st.statuses[0].TransactionID)
	assert.Equal(t, domain.TxStatusConfirmed, st.statuses[0].Status)
}

func TestTransfer(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa", StablePoints: dec("300")}
	st.balances["0xb"] = &schema.Balance{Address: "0xb"}

	err := svc.Transfer(context.Background(), "0xa", "0xb", dec("120"), "gift")
	require.NoError(t, err)

	assert.True(t, st.balances["0xa"].StablePoints.Equal(dec("180")))
	assert.True(t, st.balances["0xb"].StablePoints.Equal(dec("120")))
	require.Len(t, st.flows, 1)
	assert.Equal(t, domain.TxKindInnerTransfer, st.flows[0].Kind)
}

func TestTransfer_InsufficientRollsBack(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa", StablePoints: dec("10")}
	st.balances["0xb"] = &schema.Balance{Address: "0xb"}

	err := svc.Transfer(context.Background(), "0xa", "0xb", dec("120"), "")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, st.balances["0xa"].StablePoints.Equal(dec("10")))
	assert.True(t, st.balances["0xb"].StablePoints.IsZero())
}

func TestTransfer_SelfRejected(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa", StablePoints: dec("10")}

	err := svc.Transfer(context.Background(), "0xa", "0xa", dec("5"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestGrowDynamicCap_ClampedAtCeiling(t *testing.T) {
	svc, st := newService(t)
	st.balances["0xa"] = &schema.Balance{Address: "0xa", StakeDynamicRewardCap: dec("200")}

	// ceiling 250, increment 100: only 50 of headroom remains
	require.NoError(t, svc.GrowDynamicCap(context.Background(), "0xa"))
	assert.True(t, st.balances["0xa"].StakeDynamicRewardCap.Equal(dec("250")))

	// at the ceiling the grow is a no-op
	require.NoError(t, svc.GrowDynamicCap(context.Background(), "0xa"))
	assert.True(t, st.balances["0xa"].StakeDynamicRewardCap.Equal(dec("250")))
}
