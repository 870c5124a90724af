package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfi/referral-engine/internal/domain"
)

// Transaction represents the transactions table - an append-only record of
// every external or internal value movement. Rows are never deleted; only the
// lifecycle status, fee and execution timestamp advance.
type Transaction struct {
	// ID is a generated UUID primary key
	ID string `gorm:"column:id;primaryKey;type:uuid"`
	// Kind is the movement kind (STAKE, WITHDRAW, LOCK, ...)
	Kind domain.TxKind `gorm:"column:kind;not null;type:text;index:idx_transactions_kind_status,priority:1"`
	// TokenType is the balance bucket the movement applies to
	TokenType domain.TokenType `gorm:"column:token_type;not null;type:text"`
	// Amount is the movement amount
	Amount decimal.Decimal `gorm:"column:amount;not null;type:decimal(32,18)"`
	// FromAddress is the sending counterparty, empty for credits from the system
	FromAddress string `gorm:"column:from_address;type:text;index"`
	// ToAddress is the receiving counterparty
	ToAddress string `gorm:"column:to_address;type:text;index"`
	// ExternalHash is the on-chain transaction hash, nil for internal flows.
	// The unique index is the terminal guard against replayed operations.
	ExternalHash *string `gorm:"column:external_hash;type:text;uniqueIndex"`
	// Status is the lifecycle status
	Status domain.TxStatus `gorm:"column:status;not null;type:text;index:idx_transactions_kind_status,priority:2"`
	// Fee is the network fee recorded at finalization
	Fee decimal.Decimal `gorm:"column:fee;not null;default:0;type:decimal(32,18)"`
	// Description stashes computed sub-amounts for later settlement
	Description string `gorm:"column:description;type:text"`
	// CreatedAt is the timestamp the movement was detected or requested
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz;index"`
	// ExecutedAt is the timestamp the movement reached a terminal status
	ExecutedAt *time.Time `gorm:"column:executed_at;type:timestamptz"`
}

// TableName specifies the table name for the Transaction model
func (Transaction) TableName() string {
	return "transactions"
}
