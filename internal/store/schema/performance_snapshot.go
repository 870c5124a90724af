package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PerformanceSnapshot represents the performance_snapshots table - a daily
// per-address record of computed downline performance, written once per day.
// The unique index makes settlement re-runs no-ops.
type PerformanceSnapshot struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Address is the participant's wallet address
	Address string `gorm:"column:address;not null;type:text;uniqueIndex:idx_snapshots_address_day,priority:1"`
	// Year, Month, Day key the UTC settlement day
	Year  int `gorm:"column:year;not null;uniqueIndex:idx_snapshots_address_day,priority:2"`
	Month int `gorm:"column:month;not null;uniqueIndex:idx_snapshots_address_day,priority:3"`
	Day   int `gorm:"column:day;not null;uniqueIndex:idx_snapshots_address_day,priority:4"`
	// TotalPerformance is the aggregate downline staked amount
	TotalPerformance decimal.Decimal `gorm:"column:total_performance;not null;default:0;type:decimal(32,18)"`
	// StakedAmount is the participant's own staked balance at snapshot time
	StakedAmount decimal.Decimal `gorm:"column:staked_amount;not null;default:0;type:decimal(32,18)"`
	// DirectCount is the number of direct subordinates
	DirectCount int `gorm:"column:direct_count;not null;default:0"`
	// RewardsSettled marks the day's reward distribution for this address as
	// done. The claim flips it exactly once, so a restarted or replayed run
	// never double-credits.
	RewardsSettled bool `gorm:"column:rewards_settled;not null;default:false"`
	// CreatedAt is the timestamp the snapshot was written
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the PerformanceSnapshot model
func (PerformanceSnapshot) TableName() string {
	return "performance_snapshots"
}
