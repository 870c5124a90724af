package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

func mustCreateParticipant(t *testing.T, st Store, address string, superior *schema.Participant) *schema.Participant {
	t.Helper()
	p, err := st.CreateParticipant(context.Background(), address, superior)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

// creditBuckets seeds a balance through the same mutation path production code
// uses
func creditBuckets(t *testing.T, st Store, address string, m LedgerMutation) {
	t.Helper()
	_, err := st.MutateBalance(context.Background(), address, func(*schema.Balance) (*LedgerMutation, error) {
		return &m, nil
	})
	require.NoError(t, err)
}

func pendingTx(t *testing.T, st Store, kind domain.TxKind, from string, amount string, hash *string, createdAt time.Time) *schema.Transaction {
	t.Helper()
	tx := &schema.Transaction{
		ID:           uuid.NewString(),
		Kind:         kind,
		TokenType:    domain.TokenTypeStable,
		Amount:       decimal.RequireFromString(amount),
		FromAddress:  from,
		ExternalHash: hash,
		Status:       domain.TxStatusPending,
		CreatedAt:    createdAt,
	}
	require.NoError(t, st.CreateTransaction(context.Background(), tx))
	return tx
}

func TestCreateParticipant(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	root := mustCreateParticipant(t, st, "0xroot", nil)
	path, err := domain.ParsePath(root.Path)
	require.NoError(t, err)
	assert.Equal(t, root.ID, path.SelfID())
	assert.Equal(t, 0, root.Depth)
	assert.Nil(t, root.SuperiorAddress)

	// the balance row is created together with the participant
	balance, err := st.GetBalance(ctx, "0xroot")
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.True(t, balance.StablePoints.IsZero())

	child := mustCreateParticipant(t, st, "0xchild", root)
	assert.Equal(t, root.Path+"."+domain.Path{child.ID}.String(), child.Path)
	assert.Equal(t, 1, child.Depth)
	require.NotNil(t, child.SuperiorAddress)
	assert.Equal(t, "0xroot", *child.SuperiorAddress)

	_, err = st.CreateParticipant(ctx, "0xroot", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicatedOperation)

	count, err := st.CountDirectSubordinates(ctx, "0xroot")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSubtreeParticipantsAnchorsOnSegmentBoundary(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	root := mustCreateParticipant(t, st, "0xroot", nil)
	a := mustCreateParticipant(t, st, "0xa", root)
	b := mustCreateParticipant(t, st, "0xb", root)
	deep := mustCreateParticipant(t, st, "0xdeep", a)

	// force paths where one sibling id is a numeric prefix of another
	base := root.ID
	require.NoError(t, st.UpdateParticipantPaths(ctx, []PathUpdate{
		{ID: root.ID, Path: domain.Path{base}},
		{ID: a.ID, Path: domain.Path{base, 2}},
		{ID: b.ID, Path: domain.Path{base, 22}},
		{ID: deep.ID, Path: domain.Path{base, 2, 5}},
	}))

	subtree, err := st.SubtreeParticipants(ctx, domain.Path{base, 2}, false)
	require.NoError(t, err)
	require.Len(t, subtree, 1)
	assert.Equal(t, "0xdeep", subtree[0].Address)

	whole, err := st.SubtreeParticipants(ctx, domain.Path{base}, false)
	require.NoError(t, err)
	assert.Len(t, whole, 3)
}

func TestMutateBalanceRejectsNegativeBuckets(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	mustCreateParticipant(t, st, "0xroot", nil)

	_, err := st.MutateBalance(ctx, "0xroot", func(*schema.Balance) (*LedgerMutation, error) {
		return &LedgerMutation{StableDelta: decimal.RequireFromString("-1")}, nil
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = st.MutateBalance(ctx, "0xmissing", func(*schema.Balance) (*LedgerMutation, error) {
		return &LedgerMutation{}, nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMutateBalanceAppliesFlowsAndStatusUpdate(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	mustCreateParticipant(t, st, "0xroot", nil)
	hash := "0xstakehash"
	tx := pendingTx(t, st, domain.TxKindStake, "0xroot", "500", &hash, time.Now().UTC())

	now := time.Now().UTC()
	_, err := st.MutateBalance(ctx, "0xroot", func(*schema.Balance) (*LedgerMutation, error) {
		return &LedgerMutation{
			StakedDelta:    decimal.RequireFromString("500"),
			StaticCapDelta: decimal.RequireFromString("1500"),
			StatusUpdate: &StatusUpdate{
				TransactionID: tx.ID,
				Status:        domain.TxStatusConfirmed,
				Fee:           decimal.RequireFromString("0.002"),
				ExecutedAt:    now,
			},
		}, nil
	})
	require.NoError(t, err)

	balance, err := st.GetBalance(ctx, "0xroot")
	require.NoError(t, err)
	assert.True(t, balance.StakedPoints.Equal(decimal.RequireFromString("500")))
	assert.True(t, balance.StakeRewardCap.Equal(decimal.RequireFromString("1500")))

	stored, err := st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.TxStatusConfirmed, stored.Status)
	assert.True(t, stored.Fee.Equal(decimal.RequireFromString("0.002")))
	require.NotNil(t, stored.ExecutedAt)
}

func TestMutateBalanceInsertsFlowRecords(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	mustCreateParticipant(t, st, "0xroot", nil)

	now := time.Now().UTC()
	_, err := st.MutateBalance(ctx, "0xroot", func(*schema.Balance) (*LedgerMutation, error) {
		return &LedgerMutation{
			StableDelta: decimal.RequireFromString("30"),
			Flows: []*schema.Transaction{{
				Kind:      domain.TxKindStakeStaticReward,
				TokenType: domain.TokenTypeStable,
				Amount:    decimal.RequireFromString("30"),
				ToAddress: "0xroot",
				Status:    domain.TxStatusConfirmed,
				CreatedAt: now,
			}},
		}, nil
	})
	require.NoError(t, err)

	sums, err := st.SumFlowsByKind(ctx, []domain.TxKind{domain.TxKindStakeStaticReward},
		now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Contains(t, sums, domain.TxKindStakeStaticReward)
	assert.True(t, sums[domain.TxKindStakeStaticReward].Equal(decimal.RequireFromString("30")))
}

func TestMutateBalancesRollsBackAllOnFailure(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	mustCreateParticipant(t, st, "0xa", nil)
	mustCreateParticipant(t, st, "0xb", nil)
	creditBuckets(t, st, "0xa", LedgerMutation{StableDelta: decimal.RequireFromString("100")})

	amount := decimal.RequireFromString("300")
	err := st.MutateBalances(ctx, []BalanceOp{
		{Address: "0xb", Fn: func(*schema.Balance) (*LedgerMutation, error) {
			return &LedgerMutation{StableDelta: amount}, nil
		}},
		{Address: "0xa", Fn: func(*schema.Balance) (*LedgerMutation, error) {
			return &LedgerMutation{StableDelta: amount.Neg()}, nil
		}},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// the credit to b must not survive the failed debit of a
	b, err := st.GetBalance(ctx, "0xb")
	require.NoError(t, err)
	assert.True(t, b.StablePoints.IsZero())
	a, err := st.GetBalance(ctx, "0xa")
	require.NoError(t, err)
	assert.True(t, a.StablePoints.Equal(decimal.RequireFromString("100")))
}

func TestCreateTransactionDuplicateExternalHash(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	hash := "0xdupehash"
	pendingTx(t, st, domain.TxKindStake, "0xroot", "100", &hash, time.Now().UTC())

	err := st.CreateTransaction(ctx, &schema.Transaction{
		Kind:         domain.TxKindStake,
		TokenType:    domain.TokenTypeStaked,
		Amount:       decimal.RequireFromString("100"),
		FromAddress:  "0xroot",
		ExternalHash: &hash,
		Status:       domain.TxStatusPending,
		CreatedAt:    time.Now().UTC(),
	})
	assert.ErrorIs(t, err, domain.ErrDuplicatedOperation)

	found, err := st.GetTransactionByExternalHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestUpdateTransactionStatusUnknownID(t *testing.T) {
	st := initPGTestDB(t)

	err := st.UpdateTransactionStatus(context.Background(), StatusUpdate{
		TransactionID: uuid.NewString(),
		Status:        domain.TxStatusConfirmed,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPendingTransactionsWindow(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	h1, h2, h3 := "0xsettled", "0xfresh", "0xstale"
	old := pendingTx(t, st, domain.TxKindStake, "0xroot", "10", &h1, now.Add(-2*time.Hour))
	pendingTx(t, st, domain.TxKindStake, "0xroot", "10", &h2, now)
	pendingTx(t, st, domain.TxKindStake, "0xroot", "10", &h3, now.Add(-72*time.Hour))

	txs, err := st.PendingTransactions(ctx, []domain.TxKind{domain.TxKindStake},
		now.Add(-time.Minute), now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, old.ID, txs[0].ID)
}

func TestUpsertPerformanceSnapshotWritesOnce(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	day := domain.Day{Year: 2025, Month: 6, Day: 1}
	snap := &schema.PerformanceSnapshot{
		Address:          "0xroot",
		Year:             day.Year,
		Month:            day.Month,
		Day:              day.Day,
		TotalPerformance: decimal.RequireFromString("2500"),
		StakedAmount:     decimal.RequireFromString("2000"),
		DirectCount:      2,
	}

	inserted, err := st.UpsertPerformanceSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.True(t, inserted)

	// a replayed day leaves the first snapshot untouched
	replay := &schema.PerformanceSnapshot{
		Address: "0xroot", Year: day.Year, Month: day.Month, Day: day.Day,
		TotalPerformance: decimal.RequireFromString("9999"),
	}
	inserted, err = st.UpsertPerformanceSnapshot(ctx, replay)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := st.GetPerformanceSnapshot(ctx, "0xroot", day)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.TotalPerformance.Equal(decimal.RequireFromString("2500")))
}

func TestSnapshotHistoryNewestFirst(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	for _, day := range []int{1, 3, 2} {
		_, err := st.UpsertPerformanceSnapshot(ctx, &schema.PerformanceSnapshot{
			Address: "0xroot", Year: 2025, Month: 6, Day: day,
		})
		require.NoError(t, err)
	}

	snaps, err := st.SnapshotHistory(ctx, "0xroot", 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 3, snaps[0].Day)
	assert.Equal(t, 2, snaps[1].Day)
}

func TestGetDailyReport(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	day := domain.Day{Year: 2025, Month: 6, Day: 1}
	inDay := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for addr, total := range map[string]string{"0xa": "1000", "0xb": "250"} {
		_, err := st.UpsertPerformanceSnapshot(ctx, &schema.PerformanceSnapshot{
			Address: addr, Year: day.Year, Month: day.Month, Day: day.Day,
			TotalPerformance: decimal.RequireFromString(total),
			StakedAmount:     decimal.RequireFromString("100"),
		})
		require.NoError(t, err)
	}

	require.NoError(t, st.CreateTransaction(ctx, &schema.Transaction{
		Kind:      domain.TxKindStakeStaticReward,
		TokenType: domain.TokenTypeStable,
		Amount:    decimal.RequireFromString("12"),
		ToAddress: "0xa",
		Status:    domain.TxStatusConfirmed,
		CreatedAt: inDay,
	}))

	report, err := st.GetDailyReport(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Participants)
	assert.True(t, report.TotalPerformance.Equal(decimal.RequireFromString("1250")))
	assert.True(t, report.TotalStaked.Equal(decimal.RequireFromString("200")))
	assert.True(t, report.RewardsByKind[domain.TxKindStakeStaticReward].Equal(decimal.RequireFromString("12")))
}

func TestSumStakedBySubtreeAndBranch(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	root := mustCreateParticipant(t, st, "0xroot", nil)
	a := mustCreateParticipant(t, st, "0xa", root)
	mustCreateParticipant(t, st, "0xb", a)

	creditBuckets(t, st, "0xroot", LedgerMutation{StakedDelta: decimal.RequireFromString("2000")})
	creditBuckets(t, st, "0xa", LedgerMutation{StakedDelta: decimal.RequireFromString("500")})
	creditBuckets(t, st, "0xb", LedgerMutation{StakedDelta: decimal.RequireFromString("70")})

	rootPath, err := domain.ParsePath(root.Path)
	require.NoError(t, err)
	aPath, err := domain.ParsePath(a.Path)
	require.NoError(t, err)

	// the subtree sum excludes the node itself, the branch sum includes it
	subtree, err := st.SumStakedBySubtree(ctx, rootPath)
	require.NoError(t, err)
	assert.True(t, subtree.Equal(decimal.RequireFromString("570")))

	branch, err := st.SumStakedByBranch(ctx, aPath)
	require.NoError(t, err)
	assert.True(t, branch.Equal(decimal.RequireFromString("570")))
}

func TestClaimSnapshotRewardsFlipsOnce(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	day := domain.Day{Year: 2025, Month: 6, Day: 1}
	_, err := st.UpsertPerformanceSnapshot(ctx, &schema.PerformanceSnapshot{
		Address: "0xroot", Year: day.Year, Month: day.Month, Day: day.Day,
	})
	require.NoError(t, err)

	claimed, err := st.ClaimSnapshotRewards(ctx, "0xroot", day)
	require.NoError(t, err)
	assert.True(t, claimed)

	// the flag only moves false to true, so the second claim loses
	claimed, err = st.ClaimSnapshotRewards(ctx, "0xroot", day)
	require.NoError(t, err)
	assert.False(t, claimed)

	// no snapshot row means nothing to claim
	claimed, err = st.ClaimSnapshotRewards(ctx, "0xnobody", day)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMaxDepthAndParticipantsAtDepth(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	root := mustCreateParticipant(t, st, "0xroot", nil)
	a := mustCreateParticipant(t, st, "0xa", root)
	mustCreateParticipant(t, st, "0xb", a)

	depth, err := st.MaxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	atOne, err := st.ParticipantsAtDepth(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, atOne, 1)
	assert.Equal(t, "0xa", atOne[0].Address)
}

func TestSetMemberTypeAndLevel(t *testing.T) {
	st := initPGTestDB(t)
	ctx := context.Background()

	mustCreateParticipant(t, st, "0xroot", nil)

	mid := domain.MemberTypeMidNode
	require.NoError(t, st.SetMemberType(ctx, "0xroot", &mid))
	require.NoError(t, st.SetLevel(ctx, "0xroot", 3))

	p, err := st.GetParticipantByAddress(ctx, "0xroot")
	require.NoError(t, err)
	require.NotNil(t, p.MemberType)
	assert.Equal(t, domain.MemberTypeMidNode, *p.MemberType)
	assert.Equal(t, 3, p.Level)

	require.NoError(t, st.SetMemberType(ctx, "0xroot", nil))
	p, err = st.GetParticipantByAddress(ctx, "0xroot")
	require.NoError(t, err)
	assert.Nil(t, p.MemberType)
}
