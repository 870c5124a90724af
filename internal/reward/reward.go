// Package reward computes and credits the three reward streams: static (own
// stake), dynamic (downline performance) and node tier-difference commissions.
// All credits go through the ledger, which enforces the running caps.
package reward

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// PerformanceReader exposes the cached level and performance metrics
type PerformanceReader interface {
	Level(ctx context.Context, address string) (int, error)
	PartialPerformance(ctx context.Context, address string) (decimal.Decimal, error)
}

// RewardStore is the read surface the engine needs beside the ledger
type RewardStore interface {
	GetBalance(ctx context.Context, address string) (*schema.Balance, error)
	GetParticipantByAddress(ctx context.Context, address string) (*schema.Participant, error)
	GetParticipantByID(ctx context.Context, id int64) (*schema.Participant, error)
}

// Ledger is the credit surface; cap clipping happens inside it
type Ledger interface {
	Apply(ctx context.Context, in ledger.ApplyInput) (*ledger.Entry, error)
}

// Service is the reward engine
type Service struct {
	store   RewardStore
	ledger  Ledger
	perf    PerformanceReader
	rewards *config.RewardsConfig
}

// NewService creates a reward engine
func NewService(st RewardStore, lg Ledger, perf PerformanceReader, rewards *config.RewardsConfig) *Service {
	return &Service{store: st, ledger: lg, perf: perf, rewards: rewards}
}

// Static credits the daily reward on the user's own stake: staked balance at
// the level's static rate, bounded by the static reward cap
func (s *Service) Static(ctx context.Context, address string) (*ledger.Entry, error) {
	bal, err := s.store.GetBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, fmt.Errorf("%w: balance for %s", domain.ErrNotFound, address)
	}
	if !bal.StakedPoints.IsPositive() {
		return nil, nil
	}

	level, err := s.perf.Level(ctx, address)
	if err != nil {
		return nil, err
	}

	amount := bal.StakedPoints.Mul(s.rewards.StaticRate(level))
	if !amount.IsPositive() {
		return nil, nil
	}

	return s.ledger.Apply(ctx, ledger.ApplyInput{
		Address:     address,
		Amount:      amount,
		Kind:        domain.TxKindStakeStaticReward,
		TokenType:   domain.TokenTypeStable,
		Description: fmt.Sprintf("static reward level %d", level),
	})
}

// Dynamic credits the daily reward on downline performance: the partial
// (capped) performance metric at the level's dynamic rate, scaled by the batch
// factor, bounded by the dynamic reward cap
func (s *Service) Dynamic(ctx context.Context, address string, scale decimal.Decimal) (*ledger.Entry, error) {
	level, err := s.perf.Level(ctx, address)
	if err != nil {
		return nil, err
	}

	rate := s.rewards.DynamicRate(level)
	if !rate.IsPositive() {
		return nil, nil
	}

	partial, err := s.perf.PartialPerformance(ctx, address)
	if err != nil {
		return nil, err
	}

	amount := partial.Mul(rate).Mul(scale)
	if !amount.IsPositive() {
		return nil, nil
	}

	return s.ledger.Apply(ctx, ledger.ApplyInput{
		Address:     address,
		Amount:      amount,
		Kind:        domain.TxKindStakeDynamicReward,
		TokenType:   domain.TokenTypeStable,
		Description: fmt.Sprintf("dynamic reward level %d scale %s", level, scale),
	})
}

// NodePurchaseReward propagates the tier-difference commission of a confirmed
// node purchase to the nearest ancestor holding a higher node tier than the
// buyer. No ancestor qualifying means no commission.
func (s *Service) NodePurchaseReward(ctx context.Context, buyer string, price decimal.Decimal) error {
	participant, err := s.store.GetParticipantByAddress(ctx, buyer)
	if err != nil {
		return err
	}
	if participant == nil {
		return fmt.Errorf("%w: participant %s", domain.ErrNotFound, buyer)
	}

	buyerRank := rankOf(participant.MemberType)

	path, err := domain.ParsePath(participant.Path)
	if err != nil {
		return fmt.Errorf("corrupt path for %s: %w", buyer, err)
	}

	beneficiary, err := s.nearestHigherNode(ctx, path, buyerRank)
	if err != nil {
		return err
	}
	if beneficiary == nil {
		logger.InfoCtx(ctx, "no higher-tier node above buyer, commission skipped",
			zap.String("buyer", buyer))
		return nil
	}

	rate := s.rewards.NodeDiffRate(rankOf(beneficiary.MemberType)).
		Sub(s.rewards.NodeDiffRate(buyerRank))
	amount := price.Mul(rate)
	if !amount.IsPositive() {
		return nil
	}

	_, err = s.ledger.Apply(ctx, ledger.ApplyInput{
		Address:      beneficiary.Address,
		Amount:       amount,
		Kind:         domain.TxKindNodeDiffReward,
		TokenType:    domain.TokenTypeStable,
		Counterparty: buyer,
		Description:  fmt.Sprintf("node purchase commission from %s", buyer),
	})
	return err
}

// nearestHigherNode walks the ancestor chain from the closest superior upward
// and returns the first participant outranking minRank
func (s *Service) nearestHigherNode(ctx context.Context, path domain.Path, minRank int) (*schema.Participant, error) {
	ancestors := path.Ancestors()
	for i := len(ancestors) - 1; i >= 0; i-- {
		ancestor, err := s.store.GetParticipantByID(ctx, ancestors[i])
		if err != nil {
			return nil, err
		}
		if ancestor == nil {
			continue
		}
		if rankOf(ancestor.MemberType) > minRank {
			return ancestor, nil
		}
	}
	return nil, nil
}

func rankOf(t *domain.MemberType) int {
	if t == nil {
		return 0
	}
	return domain.NodeRank(*t)
}
