package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance represents the balances table - one record per address, mutated only
// through ledger operations
type Balance struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Address is the owning participant's wallet address
	Address string `gorm:"column:address;not null;uniqueIndex;type:text"`
	// StablePoints is the spendable stable-token bucket
	StablePoints decimal.Decimal `gorm:"column:stable_points;not null;default:0;type:decimal(32,18)"`
	// StakedPoints is the staked-token bucket driving performance
	StakedPoints decimal.Decimal `gorm:"column:staked_points;not null;default:0;type:decimal(32,18)"`
	// LockedPoints is the locked-token bucket backing node purchases
	LockedPoints decimal.Decimal `gorm:"column:locked_points;not null;default:0;type:decimal(32,18)"`
	// StakeRewardCap bounds remaining static reward issuance; decremented as
	// rewards are credited, never negative
	StakeRewardCap decimal.Decimal `gorm:"column:stake_reward_cap;not null;default:0;type:decimal(32,18)"`
	// StakeDynamicRewardCap bounds remaining dynamic reward issuance
	StakeDynamicRewardCap decimal.Decimal `gorm:"column:stake_dynamic_reward_cap;not null;default:0;type:decimal(32,18)"`
	// CreatedAt is the timestamp when this balance was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this balance was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Balance model
func (Balance) TableName() string {
	return "balances"
}
