// Package settlement runs the daily batch: bottom-up re-ranking, static and
// dynamic reward distribution and the pending-transaction confirmation sweep.
// Every phase is idempotent for the settlement day and continues past
// individual participant failures.
package settlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// sweptKinds are the transaction kinds the confirmation sweep polls
var sweptKinds = []domain.TxKind{
	domain.TxKindLock,
	domain.TxKindStake,
	domain.TxKindWithdraw,
	domain.TxKindAssemble,
	domain.TxKindBurn,
	domain.TxKindNodeDiffReward,
}

// SettlementStore is the store surface the settler reads and writes
type SettlementStore interface {
	MaxDepth(ctx context.Context) (int, error)
	ParticipantsAtDepth(ctx context.Context, depth, limit, offset int) ([]*schema.Participant, error)
	CountDirectSubordinates(ctx context.Context, address string) (int64, error)
	GetBalance(ctx context.Context, address string) (*schema.Balance, error)
	SetLevel(ctx context.Context, address string, level int) error
	UpsertPerformanceSnapshot(ctx context.Context, snap *schema.PerformanceSnapshot) (bool, error)
	ClaimSnapshotRewards(ctx context.Context, address string, day domain.Day) (bool, error)
	PendingTransactions(ctx context.Context, kinds []domain.TxKind, olderThan, youngerThan time.Time, limit int) ([]*schema.Transaction, error)
}

// Performance is the cache surface used during re-ranking
type Performance interface {
	Drop(address string)
	TotalPerformance(ctx context.Context, address string) (decimal.Decimal, error)
	Level(ctx context.Context, address string) (int, error)
}

// Rewarder computes and credits the two daily reward streams
type Rewarder interface {
	Static(ctx context.Context, address string) (*ledger.Entry, error)
	Dynamic(ctx context.Context, address string, scale decimal.Decimal) (*ledger.Entry, error)
}

// CapGrower raises the daily dynamic reward headroom
type CapGrower interface {
	GrowDynamicCap(ctx context.Context, address string) error
}

// Finalizer advances one pending transaction's state machine
type Finalizer interface {
	Finalize(ctx context.Context, tx *schema.Transaction) error
}

// Result aggregates one settlement run
type Result struct {
	Day      domain.Day
	Reranked int
	Rewarded int
	Swept    int
	Failures int
}

// Settler orchestrates the daily settlement pipeline
type Settler struct {
	store     SettlementStore
	perf      Performance
	rewarder  Rewarder
	capGrower CapGrower
	finalizer Finalizer
	rewards   *config.RewardsConfig
	cfg       *config.SettlementConfig
	clock     adapter.Clock
}

// NewSettler creates the settlement orchestrator
func NewSettler(st SettlementStore, perf Performance, rewarder Rewarder, capGrower CapGrower,
	finalizer Finalizer, rewards *config.RewardsConfig, cfg *config.SettlementConfig,
	clock adapter.Clock) *Settler {
	return &Settler{
		store:     st,
		perf:      perf,
		rewarder:  rewarder,
		capGrower: capGrower,
		finalizer: finalizer,
		rewards:   rewards,
		cfg:       cfg,
		clock:     clock,
	}
}

// Run executes the four settlement phases for day. Re-running the same day is
// safe: the reward phases claim the rewards_settled flag on each persisted
// snapshot, so a replay or a resumed crashed run only credits addresses the
// earlier run never reached.
func (s *Settler) Run(ctx context.Context, day domain.Day) (*Result, error) {
	started := s.clock.Now()
	logger.InfoCtx(ctx, "settlement run starting", zap.String("day", day.String()))

	run := &settlementRun{
		Settler: s,
		day:     day,
	}

	if err := run.rerank(ctx); err != nil {
		return nil, fmt.Errorf("re-rank phase failed: %w", err)
	}
	if err := run.distributeRewards(ctx); err != nil {
		return nil, fmt.Errorf("reward phase failed: %w", err)
	}
	if err := run.sweep(ctx); err != nil {
		return nil, fmt.Errorf("confirmation sweep failed: %w", err)
	}

	result := &Result{
		Day:      day,
		Reranked: int(run.reranked.Load()),
		Rewarded: int(run.rewarded.Load()),
		Swept:    int(run.swept.Load()),
		Failures: int(run.failures.Load()),
	}
	logger.InfoCtx(ctx, "settlement run finished",
		zap.String("day", day.String()),
		zap.Int("reranked", result.Reranked),
		zap.Int("rewarded", result.Rewarded),
		zap.Int("swept", result.Swept),
		zap.Int("failures", result.Failures),
		zap.Duration("duration", s.clock.Since(started)))
	return result, nil
}

// settlementRun carries the per-run counters
type settlementRun struct {
	*Settler
	day domain.Day

	reranked atomic.Int32
	rewarded atomic.Int32
	swept    atomic.Int32
	failures atomic.Int32
}

// rerank walks the tree bottom-up, recomputing each participant's cached
// performance and level and writing the day's snapshot
func (r *settlementRun) rerank(ctx context.Context) error {
	maxDepth, err := r.store.MaxDepth(ctx)
	if err != nil {
		return err
	}

	for depth := maxDepth; depth >= 0; depth-- {
		for offset := 0; ; offset += r.cfg.BatchSize {
			batch, err := r.store.ParticipantsAtDepth(ctx, depth, r.cfg.BatchSize, offset)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}

			pool := pond.NewPool(r.cfg.PoolSize, pond.WithContext(ctx))
			for _, p := range batch {
				pool.Submit(func() {
					if err := r.rerankOne(ctx, p); err != nil {
						r.failures.Add(1)
						logger.ErrorCtx(ctx, fmt.Errorf("re-rank failed: %w", err),
							zap.String("address", p.Address),
							zap.String("day", r.day.String()),
							zap.Int("depth", depth))
					}
				})
			}
			pool.StopAndWait()

			if len(batch) < r.cfg.BatchSize {
				break
			}
		}
	}
	return nil
}

func (r *settlementRun) rerankOne(ctx context.Context, p *schema.Participant) error {
	// children settled first (bottom-up), so a fresh subtree sum is correct
	r.perf.Drop(p.Address)

	total, err := r.perf.TotalPerformance(ctx, p.Address)
	if err != nil {
		return err
	}

	level, err := r.perf.Level(ctx, p.Address)
	if err != nil {
		return err
	}
	if level != p.Level {
		if err := r.store.SetLevel(ctx, p.Address, level); err != nil {
			return err
		}
	}

	bal, err := r.store.GetBalance(ctx, p.Address)
	if err != nil {
		return err
	}
	staked := decimal.Zero
	if bal != nil {
		staked = bal.StakedPoints
	}
	directs, err := r.store.CountDirectSubordinates(ctx, p.Address)
	if err != nil {
		return err
	}

	if _, err := r.store.UpsertPerformanceSnapshot(ctx, &schema.PerformanceSnapshot{
		Address:          p.Address,
		Year:             r.day.Year,
		Month:            r.day.Month,
		Day:              r.day.Day,
		TotalPerformance: total,
		StakedAmount:     staked,
		DirectCount:      int(directs),
	}); err != nil {
		return err
	}

	r.reranked.Add(1)
	return nil
}

// distributeRewards runs phases two and three over every participant. Caps
// gate who actually earns, so an address with downline but no own stake still
// gets its daily headroom growth. Each address is credited only after winning
// the rewards_settled claim on its persisted snapshot, which makes replays and
// resumed runs exact no-ops for addresses already settled.
func (r *settlementRun) distributeRewards(ctx context.Context) error {
	maxDepth, err := r.store.MaxDepth(ctx)
	if err != nil {
		return err
	}

	for depth := 0; depth <= maxDepth; depth++ {
		for offset := 0; ; offset += r.cfg.BatchSize {
			batch, err := r.store.ParticipantsAtDepth(ctx, depth, r.cfg.BatchSize, offset)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}

			pool := pond.NewPool(r.cfg.PoolSize, pond.WithContext(ctx))
			for _, p := range batch {
				pool.Submit(func() {
					if p.Banned {
						return
					}
					claimed, err := r.store.ClaimSnapshotRewards(ctx, p.Address, r.day)
					if err != nil {
						r.failures.Add(1)
						logger.ErrorCtx(ctx, fmt.Errorf("reward claim failed: %w", err),
							zap.String("address", p.Address),
							zap.String("day", r.day.String()))
						return
					}
					if !claimed {
						// no snapshot (re-rank failed) or already settled
						return
					}
					if err := r.rewardOne(ctx, p.Address); err != nil {
						r.failures.Add(1)
						logger.ErrorCtx(ctx, fmt.Errorf("reward distribution failed: %w", err),
							zap.String("address", p.Address),
							zap.String("day", r.day.String()))
					}
				})
			}
			pool.StopAndWait()

			if len(batch) < r.cfg.BatchSize {
				break
			}
		}
	}
	return nil
}

func (r *settlementRun) rewardOne(ctx context.Context, address string) error {
	if _, err := r.rewarder.Static(ctx, address); err != nil {
		return fmt.Errorf("static: %w", err)
	}

	// headroom grows before the day's dynamic credit is applied
	if err := r.capGrower.GrowDynamicCap(ctx, address); err != nil {
		return fmt.Errorf("cap growth: %w", err)
	}
	if _, err := r.rewarder.Dynamic(ctx, address, r.rewards.Scale()); err != nil {
		return fmt.Errorf("dynamic: %w", err)
	}

	r.rewarded.Add(1)
	return nil
}

// sweep polls pending external transactions inside the retry window, oldest
// first, advancing their state machine with bounded concurrency. Rounds repeat
// with exponential backoff until a round leaves nothing to poll.
func (r *settlementRun) sweep(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		now := r.clock.Now().UTC()
		olderThan := now.Add(-r.cfg.SettlingDelay)
		youngerThan := now.Add(-r.cfg.RetryWindow)

		batch, err := r.store.PendingTransactions(ctx, sweptKinds, olderThan, youngerThan, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var advanced atomic.Int32
		pool := pond.NewPool(r.cfg.PoolSize, pond.WithContext(ctx))
		for _, tx := range batch {
			pool.Submit(func() {
				before := tx.Status
				if err := r.finalizer.Finalize(ctx, tx); err != nil {
					r.failures.Add(1)
					logger.ErrorCtx(ctx, fmt.Errorf("finalization failed: %w", err),
						zap.String("transaction", tx.ID),
						zap.String("kind", string(tx.Kind)))
					return
				}
				if tx.Status != before {
					advanced.Add(1)
					r.swept.Add(1)
				}
			})
		}
		pool.StopAndWait()

		// nothing moved this round: the rest is waiting on chain depth, leave
		// it to the next scheduled run
		if advanced.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(b.NextBackOff()):
		}
	}
}
