package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// PathUpdate rewrites one participant's materialized path. Superior is only
// touched when UpdateSuperior is set; a nil Superior then clears the referrer.
type PathUpdate struct {
	ID             int64
	Path           domain.Path
	Superior       *string
	UpdateSuperior bool
}

// StatusUpdate advances a transaction's lifecycle status together with a
// ledger mutation
type StatusUpdate struct {
	TransactionID string
	Status        domain.TxStatus
	Fee           decimal.Decimal
	ExecutedAt    time.Time
}

// LedgerMutation is the set of bucket deltas, audit flow inserts and the
// optional triggering-transaction status change applied as one atomic unit
type LedgerMutation struct {
	StableDelta     decimal.Decimal
	StakedDelta     decimal.Decimal
	LockedDelta     decimal.Decimal
	StaticCapDelta  decimal.Decimal
	DynamicCapDelta decimal.Decimal
	Flows           []*schema.Transaction
	StatusUpdate    *StatusUpdate
}

// BalanceMutator computes a mutation from the balance row held under a row
// lock. Returning an error aborts with no mutation.
type BalanceMutator func(bal *schema.Balance) (*LedgerMutation, error)

// BalanceOp pairs an address with its mutator for multi-balance units
type BalanceOp struct {
	Address string
	Fn      BalanceMutator
}

// DailyReport aggregates one settlement day for admin reporting
type DailyReport struct {
	Day              domain.Day
	Participants     int64
	TotalPerformance decimal.Decimal
	TotalStaked      decimal.Decimal
	RewardsByKind    map[domain.TxKind]decimal.Decimal
}

// Store defines the interface for database operations
type Store interface {
	// Atomic runs fn inside a single database transaction; the Store passed
	// to fn is scoped to that transaction
	Atomic(ctx context.Context, fn func(Store) error) error

	// Participants
	CreateParticipant(ctx context.Context, address string, superior *schema.Participant) (*schema.Participant, error)
	GetParticipantByAddress(ctx context.Context, address string) (*schema.Participant, error)
	GetParticipantByAddressForUpdate(ctx context.Context, address string) (*schema.Participant, error)
	GetParticipantByID(ctx context.Context, id int64) (*schema.Participant, error)
	UpdateParticipantPaths(ctx context.Context, updates []PathUpdate) error
	SetLevel(ctx context.Context, address string, level int) error
	SetMemberType(ctx context.Context, address string, memberType *domain.MemberType) error
	SetBanned(ctx context.Context, address string, banned bool) error
	TouchLastActive(ctx context.Context, address string) error

	// Hierarchy queries
	DirectSubordinates(ctx context.Context, address string) ([]*schema.Participant, error)
	CountDirectSubordinates(ctx context.Context, address string) (int64, error)
	SubtreeParticipants(ctx context.Context, path domain.Path, lock bool) ([]*schema.Participant, error)
	MaxDepth(ctx context.Context) (int, error)
	ParticipantsAtDepth(ctx context.Context, depth, limit, offset int) ([]*schema.Participant, error)

	// Performance aggregates
	SumStakedBySubtree(ctx context.Context, path domain.Path) (decimal.Decimal, error)
	SumStakedByBranch(ctx context.Context, path domain.Path) (decimal.Decimal, error)

	// Balances
	GetBalance(ctx context.Context, address string) (*schema.Balance, error)
	MutateBalance(ctx context.Context, address string, fn BalanceMutator) (*LedgerMutation, error)
	MutateBalances(ctx context.Context, ops []BalanceOp) error

	// Transactions
	CreateTransaction(ctx context.Context, tx *schema.Transaction) error
	GetTransaction(ctx context.Context, id string) (*schema.Transaction, error)
	GetTransactionByExternalHash(ctx context.Context, hash string) (*schema.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, update StatusUpdate) error
	PendingTransactions(ctx context.Context, kinds []domain.TxKind, olderThan, youngerThan time.Time, limit int) ([]*schema.Transaction, error)
	SumFlowsByKind(ctx context.Context, kinds []domain.TxKind, since, until time.Time) (map[domain.TxKind]decimal.Decimal, error)

	// Performance snapshots
	UpsertPerformanceSnapshot(ctx context.Context, snap *schema.PerformanceSnapshot) (bool, error)
	ClaimSnapshotRewards(ctx context.Context, address string, day domain.Day) (bool, error)
	GetPerformanceSnapshot(ctx context.Context, address string, day domain.Day) (*schema.PerformanceSnapshot, error)
	SnapshotHistory(ctx context.Context, address string, limit int) ([]*schema.PerformanceSnapshot, error)
	GetDailyReport(ctx context.Context, day domain.Day) (*DailyReport, error)
}
