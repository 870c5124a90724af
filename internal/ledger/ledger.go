// Package ledger is the only writer of balance buckets. Every mutation is a
// typed transaction kind mapped to a fixed set of bucket deltas, applied
// atomically together with its audit flow record and any triggering
// transaction's status change.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// Entry reports one applied ledger operation
type Entry struct {
	Address string
	Kind    domain.TxKind
	// Requested is the amount asked for, Credited the amount actually applied
	// after reward-cap clipping
	Requested decimal.Decimal
	Credited  decimal.Decimal
}

// ApplyInput describes one ledger operation
type ApplyInput struct {
	Address      string
	Amount       decimal.Decimal
	Kind         domain.TxKind
	TokenType    domain.TokenType
	Counterparty string
	Description  string
	// TriggeringTx, when set, advances the originating transaction's status
	// in the same atomic unit instead of inserting a new flow record
	TriggeringTx *store.StatusUpdate
	// Flow, when set, is inserted as the audit record instead of a generated
	// CONFIRMED one. Used when the caller owns the transaction row, e.g. a
	// withdrawal request debiting points while its row is still PENDING.
	Flow *schema.Transaction
}

// BalanceStore is the subset of store operations the ledger writes through
type BalanceStore interface {
	MutateBalance(ctx context.Context, address string, fn store.BalanceMutator) (*store.LedgerMutation, error)
	MutateBalances(ctx context.Context, ops []store.BalanceOp) error
}

// Service applies typed balance mutations
type Service struct {
	store   BalanceStore
	rewards *config.RewardsConfig
}

// NewService creates a ledger service
func NewService(st BalanceStore, rewards *config.RewardsConfig) *Service {
	return &Service{store: st, rewards: rewards}
}

// Apply performs one balance update. Debits that would drive a bucket below
// zero fail with ErrInsufficientBalance and change nothing. Reward kinds are
// clipped to the remaining cap; the discarded excess is not carried forward.
func (s *Service) Apply(ctx context.Context, in ApplyInput) (*Entry, error) {
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", domain.ErrInvalidTransaction)
	}

	entry := &Entry{Address: in.Address, Kind: in.Kind, Requested: in.Amount}

	_, err := s.store.MutateBalance(ctx, in.Address, func(bal *schema.Balance) (*store.LedgerMutation, error) {
		mutation, credited, err := s.mutationFor(in, bal)
		if err != nil {
			return nil, err
		}
		entry.Credited = credited
		return mutation, nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// mutationFor maps a kind to its bucket deltas given the locked balance row
func (s *Service) mutationFor(in ApplyInput, bal *schema.Balance) (*store.LedgerMutation, decimal.Decimal, error) {
	m := &store.LedgerMutation{StatusUpdate: in.TriggeringTx}
	credited := in.Amount

	switch in.Kind {
	case domain.TxKindStake:
		m.StakedDelta = in.Amount
		// a confirmed stake opens static reward headroom
		m.StaticCapDelta = in.Amount.Mul(s.rewards.StaticCapFactor())

	case domain.TxKindLock:
		m.LockedDelta = in.Amount

	case domain.TxKindWithdraw, domain.TxKindBurn:
		m.StableDelta = in.Amount.Neg()

	case domain.TxKindAssemble, domain.TxKindRefund,
		domain.TxKindNodeReward, domain.TxKindNodeDiffReward:
		m.StableDelta = in.Amount

	case domain.TxKindStakeStaticReward:
		credited = decimal.Min(in.Amount, bal.StakeRewardCap)
		m.StableDelta = credited
		m.StaticCapDelta = credited.Neg()

	case domain.TxKindStakeDynamicReward:
		credited = decimal.Min(in.Amount, bal.StakeDynamicRewardCap)
		m.StableDelta = credited
		m.DynamicCapDelta = credited.Neg()

	default:
		return nil, decimal.Zero, fmt.Errorf("%w: unsupported kind %s", domain.ErrInvalidTransaction, in.Kind)
	}

	// a fully clipped reward leaves no trace beyond the returned entry
	if credited.IsZero() && isRewardKind(in.Kind) && in.TriggeringTx == nil {
		return nil, decimal.Zero, nil
	}

	if in.TriggeringTx == nil {
		if in.Flow != nil {
			m.Flows = append(m.Flows, in.Flow)
		} else {
			m.Flows = append(m.Flows, s.flowRecord(in, credited))
		}
	}

	return m, credited, nil
}

func (s *Service) flowRecord(in ApplyInput, credited decimal.Decimal) *schema.Transaction {
	now := time.Now().UTC()
	return &schema.Transaction{
		Kind:        in.Kind,
		TokenType:   in.TokenType,
		Amount:      credited,
		FromAddress: in.Counterparty,
		ToAddress:   in.Address,
		Status:      domain.TxStatusConfirmed,
		Description: in.Description,
		CreatedAt:   now,
		ExecutedAt:  &now,
	}
}

func isRewardKind(kind domain.TxKind) bool {
	switch kind {
	case domain.TxKindStakeStaticReward, domain.TxKindStakeDynamicReward,
		domain.TxKindNodeReward, domain.TxKindNodeDiffReward:
		return true
	}
	return false
}

// Transfer moves stable points between two participants in one atomic unit.
// Rows are locked in address order so concurrent opposite transfers cannot
// deadlock.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, description string) error {
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("%w: non-positive transfer amount", domain.ErrInvalidTransaction)
	}
	if from == to {
		return fmt.Errorf("%w: self transfer", domain.ErrInvalidTransaction)
	}

	debit := func(bal *schema.Balance) (*store.LedgerMutation, error) {
		return &store.LedgerMutation{StableDelta: amount.Neg()}, nil
	}
	now := time.Now().UTC()
	credit := func(bal *schema.Balance) (*store.LedgerMutation, error) {
		return &store.LedgerMutation{
			StableDelta: amount,
			Flows: []*schema.Transaction{{
				Kind:        domain.TxKindInnerTransfer,
				TokenType:   domain.TokenTypeStable,
				Amount:      amount,
				FromAddress: from,
				ToAddress:   to,
				Status:      domain.TxStatusConfirmed,
				Description: description,
				CreatedAt:   now,
				ExecutedAt:  &now,
			}},
		}, nil
	}

	ops := []store.BalanceOp{{Address: from, Fn: debit}, {Address: to, Fn: credit}}
	if to < from {
		ops[0], ops[1] = ops[1], ops[0]
	}
	return s.store.MutateBalances(ctx, ops)
}

// GrowDynamicCap raises the address's dynamic reward cap by the configured
// daily increment, clamped at the ceiling
func (s *Service) GrowDynamicCap(ctx context.Context, address string) error {
	increment, ceiling := s.rewards.DynamicCapGrowth()
	if !increment.IsPositive() {
		return nil
	}

	_, err := s.store.MutateBalance(ctx, address, func(bal *schema.Balance) (*store.LedgerMutation, error) {
		headroom := ceiling.Sub(bal.StakeDynamicRewardCap)
		if !headroom.IsPositive() {
			return nil, nil
		}
		return &store.LedgerMutation{
			DynamicCapDelta: decimal.Min(increment, headroom),
		}, nil
	})
	return err
}
