// Package perfcache memoizes downline performance and level computation.
// Entries are dropped through a single invalidation policy fed by balance and
// tree mutation events, so call sites never clear caches ad hoc.
package perfcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// PerformanceStore is the subset of store operations the cache reads from
type PerformanceStore interface {
	GetParticipantByAddress(ctx context.Context, address string) (*schema.Participant, error)
	GetParticipantByID(ctx context.Context, id int64) (*schema.Participant, error)
	DirectSubordinates(ctx context.Context, address string) ([]*schema.Participant, error)
	SumStakedBySubtree(ctx context.Context, path domain.Path) (decimal.Decimal, error)
	SumStakedByBranch(ctx context.Context, path domain.Path) (decimal.Decimal, error)
}

// Cache memoizes per-address performance aggregates
type Cache struct {
	store      PerformanceStore
	thresholds []decimal.Decimal

	mu      sync.RWMutex
	total   map[string]decimal.Decimal
	partial map[string]decimal.Decimal
}

// New creates a performance cache. thresholds[i] is the partial performance
// required to reach level i+1.
func New(st PerformanceStore, thresholds []decimal.Decimal) *Cache {
	return &Cache{
		store:      st,
		thresholds: thresholds,
		total:      make(map[string]decimal.Decimal),
		partial:    make(map[string]decimal.Decimal),
	}
}

// TotalPerformance returns the aggregate staked amount over the address's
// whole downline, excluding the address itself
func (c *Cache) TotalPerformance(ctx context.Context, address string) (decimal.Decimal, error) {
	c.mu.RLock()
	if v, ok := c.total[address]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	participant, err := c.store.GetParticipantByAddress(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if participant == nil {
		return decimal.Zero, fmt.Errorf("%w: participant %s", domain.ErrNotFound, address)
	}
	path, err := domain.ParsePath(participant.Path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt path for %s: %w", address, err)
	}

	total, err := c.store.SumStakedBySubtree(ctx, path)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.total[address] = total
	c.mu.Unlock()
	return total, nil
}

// PartialPerformance returns the capped performance used for level-upgrade
// checks and dynamic reward sizing: the downline total minus the strongest
// direct branch. A single deep branch therefore never carries a level on its
// own.
func (c *Cache) PartialPerformance(ctx context.Context, address string) (decimal.Decimal, error) {
	c.mu.RLock()
	if v, ok := c.partial[address]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	subs, err := c.store.DirectSubordinates(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	strongest := decimal.Zero
	for _, sub := range subs {
		subPath, err := domain.ParsePath(sub.Path)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt path for %s: %w", sub.Address, err)
		}
		branch, err := c.store.SumStakedByBranch(ctx, subPath)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(branch)
		if branch.GreaterThan(strongest) {
			strongest = branch
		}
	}
	partial := total.Sub(strongest)

	c.mu.Lock()
	c.partial[address] = partial
	c.mu.Unlock()
	return partial, nil
}

// Level computes the address's tier from its partial performance. The result
// is monotonically non-decreasing in performance.
func (c *Cache) Level(ctx context.Context, address string) (int, error) {
	partial, err := c.PartialPerformance(ctx, address)
	if err != nil {
		return 0, err
	}
	return LevelFor(partial, c.thresholds), nil
}

// LevelFor returns the largest level whose threshold is satisfied by the given
// partial performance
func LevelFor(partial decimal.Decimal, thresholds []decimal.Decimal) int {
	level := 0
	for i, threshold := range thresholds {
		if partial.GreaterThanOrEqual(threshold) {
			level = i + 1
		} else {
			break
		}
	}
	return level
}

// Invalidate drops cached entries for the mutated address and every ancestor
// on its path; their downline aggregates all include the mutated subtree
func (c *Cache) Invalidate(ctx context.Context, rootAddress string) {
	c.mu.Lock()
	delete(c.total, rootAddress)
	delete(c.partial, rootAddress)
	c.mu.Unlock()

	participant, err := c.store.GetParticipantByAddress(ctx, rootAddress)
	if err != nil || participant == nil {
		logger.WarnCtx(ctx, "cache invalidation could not resolve participant",
			zap.String("address", rootAddress), zap.Error(err))
		return
	}
	path, err := domain.ParsePath(participant.Path)
	if err != nil {
		logger.WarnCtx(ctx, "cache invalidation hit corrupt path",
			zap.String("address", rootAddress), zap.Error(err))
		return
	}

	for _, ancestorID := range path.Ancestors() {
		ancestor, err := c.store.GetParticipantByID(ctx, ancestorID)
		if err != nil || ancestor == nil {
			continue
		}
		c.mu.Lock()
		delete(c.total, ancestor.Address)
		delete(c.partial, ancestor.Address)
		c.mu.Unlock()
	}
}

// Drop removes a single address's cached entries without touching ancestors;
// the settlement re-rank uses it while walking the tree bottom-up
func (c *Cache) Drop(address string) {
	c.mu.Lock()
	delete(c.total, address)
	delete(c.partial, address)
	c.mu.Unlock()
}
