// Package txflow drives the transaction lifecycle state machine: creation,
// chain finalization polling, manual overrides and withdrawal review.
package txflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/chain"
	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// forceConfirmTolerance bounds the absolute difference between the recorded
// amount and the on-chain amount an admin override will accept
var forceConfirmTolerance = decimal.RequireFromString("0.01")

// TxStore is the subset of store operations the state machine needs
type TxStore interface {
	CreateTransaction(ctx context.Context, tx *schema.Transaction) error
	GetTransaction(ctx context.Context, id string) (*schema.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, update store.StatusUpdate) error
	SetMemberType(ctx context.Context, address string, memberType *domain.MemberType) error
}

// Ledger is the balance mutation surface consumed on confirmation
type Ledger interface {
	Apply(ctx context.Context, in ledger.ApplyInput) (*ledger.Entry, error)
}

// NodeRewarder propagates the node purchase commission once a purchase confirms
type NodeRewarder interface {
	NodePurchaseReward(ctx context.Context, buyer string, price decimal.Decimal) error
}

// Invalidator drops cached performance entries for an address and its ancestors
type Invalidator interface {
	Invalidate(ctx context.Context, rootAddress string)
}

// CreateInput describes a new transaction record
type CreateInput struct {
	Kind         domain.TxKind
	TokenType    domain.TokenType
	Amount       decimal.Decimal
	FromAddress  string
	ToAddress    string
	ExternalHash *string
	Description  string
}

// Service runs the transaction state machine
type Service struct {
	store       TxStore
	ledger      Ledger
	verifier    chain.Verifier
	rewarder    NodeRewarder
	invalidator Invalidator
	limits      *config.LimitsConfig
	settlement  *config.SettlementConfig
	clock       adapter.Clock
}

// NewService creates the transaction state machine service
func NewService(st TxStore, lg Ledger, verifier chain.Verifier, rewarder NodeRewarder,
	invalidator Invalidator, limits *config.LimitsConfig, settlement *config.SettlementConfig,
	clock adapter.Clock) *Service {
	return &Service{
		store:       st,
		ledger:      lg,
		verifier:    verifier,
		rewarder:    rewarder,
		invalidator: invalidator,
		limits:      limits,
		settlement:  settlement,
		clock:       clock,
	}
}

// Create records a new transaction. External movements (stake, lock, assemble,
// burn) start PENDING and wait for chain finalization; withdrawals debit the
// stable bucket up front and start PENDING, or AUDITING above the auto-approve
// bound. A replayed external hash fails with ErrDuplicatedOperation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*schema.Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive amount", domain.ErrInvalidTransaction)
	}

	tx := &schema.Transaction{
		ID:           uuid.NewString(),
		Kind:         in.Kind,
		TokenType:    in.TokenType,
		Amount:       in.Amount,
		FromAddress:  in.FromAddress,
		ToAddress:    in.ToAddress,
		ExternalHash: in.ExternalHash,
		Status:       domain.TxStatusPending,
		Description:  in.Description,
		CreatedAt:    s.clock.Now().UTC(),
	}

	if in.Kind == domain.TxKindWithdraw {
		if in.Amount.LessThan(s.limits.MinWithdrawAmount()) || in.Amount.GreaterThan(s.limits.MaxWithdrawAmount()) {
			return nil, fmt.Errorf("%w: withdrawal amount out of bounds", domain.ErrInvalidTransaction)
		}
		if in.Amount.GreaterThan(s.limits.AutoApproveAmount()) {
			tx.Status = domain.TxStatusAuditing
		}
		// reserve the points together with the row insert
		_, err := s.ledger.Apply(ctx, ledger.ApplyInput{
			Address:   in.FromAddress,
			Amount:    in.Amount,
			Kind:      domain.TxKindWithdraw,
			TokenType: domain.TokenTypeStable,
			Flow:      tx,
		})
		if err != nil {
			return nil, err
		}
		return tx, nil
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Finalize polls the chain for a PENDING transaction's outcome and applies its
// terminal effects. A transaction younger than the settling delay is left
// untouched.
func (s *Service) Finalize(ctx context.Context, tx *schema.Transaction) error {
	if tx.Status != domain.TxStatusPending {
		return nil
	}
	if tx.ExternalHash == nil {
		return nil
	}
	if s.clock.Since(tx.CreatedAt) < s.settlement.SettlingDelay {
		return nil
	}

	result, err := s.verifier.IsTransactionFinalized(ctx, *tx.ExternalHash, tx.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("finalization check failed: %w", err)
	}

	switch result.Status {
	case domain.TxStatusPending:
		return nil

	case domain.TxStatusFailed:
		return s.fail(ctx, tx, result)

	case domain.TxStatusConfirmed:
		return s.confirm(ctx, tx, result.Fee)

	default:
		return fmt.Errorf("%w: unexpected finalization status %s", domain.ErrOperationFailed, result.Status)
	}
}

func (s *Service) fail(ctx context.Context, tx *schema.Transaction, result *chain.Finalization) error {
	logger.WarnCtx(ctx, "transaction failed on chain",
		zap.String("id", tx.ID),
		zap.String("kind", string(tx.Kind)),
		zap.String("reason", result.Reason))

	if err := s.store.UpdateTransactionStatus(ctx, store.StatusUpdate{
		TransactionID: tx.ID,
		Status:        domain.TxStatusFailed,
		Fee:           result.Fee,
		ExecutedAt:    s.clock.Now().UTC(),
	}); err != nil {
		return err
	}

	// a failed node purchase never took effect
	if tx.Kind == domain.TxKindLock {
		if err := s.store.SetMemberType(ctx, tx.FromAddress, nil); err != nil {
			return fmt.Errorf("failed to roll back member type: %w", err)
		}
	}
	tx.Status = domain.TxStatusFailed
	return nil
}

// confirm applies the terminal ledger effects of a confirmed transaction. The
// status change rides the same atomic unit as the balance mutation.
func (s *Service) confirm(ctx context.Context, tx *schema.Transaction, fee decimal.Decimal) error {
	if err := s.applyConfirmed(ctx, tx, fee); err != nil {
		return err
	}
	tx.Status = domain.TxStatusConfirmed
	return nil
}

func (s *Service) applyConfirmed(ctx context.Context, tx *schema.Transaction, fee decimal.Decimal) error {
	update := &store.StatusUpdate{
		TransactionID: tx.ID,
		Status:        domain.TxStatusConfirmed,
		Fee:           fee,
		ExecutedAt:    s.clock.Now().UTC(),
	}

	switch tx.Kind {
	case domain.TxKindStake:
		_, err := s.ledger.Apply(ctx, ledger.ApplyInput{
			Address:      tx.FromAddress,
			Amount:       tx.Amount,
			Kind:         domain.TxKindStake,
			TokenType:    domain.TokenTypeStaked,
			TriggeringTx: update,
		})
		if err != nil {
			return err
		}
		s.invalidator.Invalidate(ctx, tx.FromAddress)
		return nil

	case domain.TxKindLock:
		_, err := s.ledger.Apply(ctx, ledger.ApplyInput{
			Address:      tx.FromAddress,
			Amount:       tx.Amount,
			Kind:         domain.TxKindLock,
			TokenType:    domain.TokenTypeLocked,
			TriggeringTx: update,
		})
		if err != nil {
			return err
		}
		if err := s.rewarder.NodePurchaseReward(ctx, tx.FromAddress, tx.Amount); err != nil {
			// the purchase itself stands; the commission is retriable
			logger.ErrorCtx(ctx, fmt.Errorf("node purchase reward failed: %w", err),
				zap.String("buyer", tx.FromAddress))
		}
		return nil

	case domain.TxKindAssemble:
		_, err := s.ledger.Apply(ctx, ledger.ApplyInput{
			Address:      tx.ToAddress,
			Amount:       tx.Amount,
			Kind:         domain.TxKindAssemble,
			TokenType:    domain.TokenTypeStable,
			TriggeringTx: update,
		})
		return err

	case domain.TxKindBurn:
		_, err := s.ledger.Apply(ctx, ledger.ApplyInput{
			Address:      tx.FromAddress,
			Amount:       tx.Amount,
			Kind:         domain.TxKindBurn,
			TokenType:    domain.TokenTypeStable,
			TriggeringTx: update,
		})
		return err

	default:
		// withdrawals debited at creation, node diff rewards credited at
		// grant time; only the status advances here
		return s.store.UpdateTransactionStatus(ctx, *update)
	}
}

// ForceConfirm is the admin override: the transfer is independently verified
// against the expected destination and the recorded amount before the normal
// confirmation path runs
func (s *Service) ForceConfirm(ctx context.Context, id string) error {
	tx, err := s.getTransaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != domain.TxStatusPending && tx.Status != domain.TxStatusFailed {
		return fmt.Errorf("%w: cannot force-confirm status %s", domain.ErrInvalidTransaction, tx.Status)
	}
	if tx.ExternalHash == nil {
		return fmt.Errorf("%w: no external hash to verify", domain.ErrInvalidTransaction)
	}

	transfer, err := s.verifier.VerifyChainTransfer(ctx, *tx.ExternalHash, tx.TokenType)
	if err != nil {
		return err
	}
	if !transfer.Valid {
		return fmt.Errorf("%w: chain transfer verification failed", domain.ErrInvalidTransaction)
	}
	if transfer.Amount.Sub(tx.Amount).Abs().GreaterThan(forceConfirmTolerance) {
		return fmt.Errorf("%w: on-chain amount %s does not match recorded %s",
			domain.ErrInvalidTransaction, transfer.Amount, tx.Amount)
	}

	logger.InfoCtx(ctx, "force-confirming transaction",
		zap.String("id", tx.ID), zap.String("kind", string(tx.Kind)))
	return s.confirm(ctx, tx, decimal.Zero)
}

// Abort moves a PENDING or FAILED transaction to ABORT, optionally refunding
// points debited at creation
func (s *Service) Abort(ctx context.Context, id string, refund bool) error {
	tx, err := s.getTransaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != domain.TxStatusPending && tx.Status != domain.TxStatusFailed {
		return fmt.Errorf("%w: cannot abort status %s", domain.ErrInvalidTransaction, tx.Status)
	}

	update := &store.StatusUpdate{
		TransactionID: tx.ID,
		Status:        domain.TxStatusAbort,
		ExecutedAt:    s.clock.Now().UTC(),
	}

	if refund && debitsAtCreation(tx.Kind) {
		_, err := s.ledger.Apply(ctx, ledger.ApplyInput{
			Address:      tx.FromAddress,
			Amount:       tx.Amount,
			Kind:         domain.TxKindRefund,
			TokenType:    domain.TokenTypeStable,
			TriggeringTx: update,
		})
		return err
	}

	if err := s.store.UpdateTransactionStatus(ctx, *update); err != nil {
		return err
	}
	if tx.Kind == domain.TxKindLock {
		if err := s.store.SetMemberType(ctx, tx.FromAddress, nil); err != nil {
			return fmt.Errorf("failed to roll back member type: %w", err)
		}
	}
	return nil
}

// Review resolves an AUDITING withdrawal: approval confirms it as final,
// refusal refunds the reserved points
func (s *Service) Review(ctx context.Context, id string, approve bool) error {
	tx, err := s.getTransaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != domain.TxStatusAuditing {
		return fmt.Errorf("%w: cannot review status %s", domain.ErrInvalidTransaction, tx.Status)
	}

	if approve {
		return s.store.UpdateTransactionStatus(ctx, store.StatusUpdate{
			TransactionID: tx.ID,
			Status:        domain.TxStatusConfirmed,
			ExecutedAt:    s.clock.Now().UTC(),
		})
	}

	_, err = s.ledger.Apply(ctx, ledger.ApplyInput{
		Address:   tx.FromAddress,
		Amount:    tx.Amount,
		Kind:      domain.TxKindRefund,
		TokenType: domain.TokenTypeStable,
		TriggeringTx: &store.StatusUpdate{
			TransactionID: tx.ID,
			Status:        domain.TxStatusRefused,
			ExecutedAt:    s.clock.Now().UTC(),
		},
	})
	return err
}

func (s *Service) getTransaction(ctx context.Context, id string) (*schema.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return tx, nil
}

// debitsAtCreation reports whether kind reserved points when the record was
// created
func debitsAtCreation(kind domain.TxKind) bool {
	return kind == domain.TxKindWithdraw
}
