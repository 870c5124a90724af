package schema

import (
	"time"

	"github.com/meridianfi/referral-engine/internal/domain"
)

// Participant represents the participants table - one row per address in the
// referral tree
type Participant struct {
	// ID is the internal database primary key and the id used in path segments
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Address is the participant's wallet address
	Address string `gorm:"column:address;not null;uniqueIndex;type:text"`
	// SuperiorAddress is the direct referrer's address, nil for roots
	SuperiorAddress *string `gorm:"column:superior_address;type:text;index"`
	// Path is the dot-joined materialized ancestor chain, ending in ID
	Path string `gorm:"column:path;not null;type:text;index"`
	// Depth is the number of ancestors above this participant
	Depth int `gorm:"column:depth;not null;default:0;index"`
	// Level is the persisted reward tier, recomputed by the daily re-rank
	Level int `gorm:"column:level;not null;default:0"`
	// MemberType is the node membership tier, nil until a node purchase.
	// It is assigned when the purchase LOCK is created and reset to nil if
	// the LOCK fails on chain.
	MemberType *domain.MemberType `gorm:"column:member_type;type:text"`
	// Banned excludes the participant from settlement and API mutations
	Banned bool `gorm:"column:banned;not null;default:false"`
	// CreatedAt is the timestamp of the first wallet interaction
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// LastActiveAt is the timestamp of the most recent activity
	LastActiveAt time.Time `gorm:"column:last_active_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Participant model
func (Participant) TableName() string {
	return "participants"
}
