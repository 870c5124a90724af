package domain

// TxKind identifies the kind of value movement a transaction represents
type TxKind string

const (
	// TxKindStake is an external transfer staking tokens into the system
	TxKindStake TxKind = "STAKE"
	// TxKindWithdraw is a user withdrawal of stable points to an external wallet
	TxKindWithdraw TxKind = "WITHDRAW"
	// TxKindLock is an external transfer locking tokens for a node purchase
	TxKindLock TxKind = "LOCK"
	// TxKindAssemble moves accrued reward points into the spendable bucket
	TxKindAssemble TxKind = "ASSEMBLE"
	// TxKindBurn destroys stable points against an on-chain burn
	TxKindBurn TxKind = "BURN"
	// TxKindInnerTransfer moves stable points between two participants
	TxKindInnerTransfer TxKind = "INNER_TRANSFER"
	// TxKindNodeReward credits a node operator commission
	TxKindNodeReward TxKind = "NODE_REWARD"
	// TxKindNodeDiffReward credits the tier-difference commission on a
	// subordinate's node purchase
	TxKindNodeDiffReward TxKind = "NODE_DIFF_REWARD"
	// TxKindStakeStaticReward credits the daily reward on a user's own stake
	TxKindStakeStaticReward TxKind = "STAKE_STATIC_REWARD"
	// TxKindStakeDynamicReward credits the daily reward on downline performance
	TxKindStakeDynamicReward TxKind = "STAKE_DYNAMIC_REWARD"
	// TxKindRefund returns points on an aborted transaction
	TxKindRefund TxKind = "REFUND"
)

// TxStatus is the lifecycle status of a transaction record
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusAuditing  TxStatus = "AUDITING"
	TxStatusRefused   TxStatus = "REFUSED"
	TxStatusFailed    TxStatus = "FAILED"
	TxStatusAbort     TxStatus = "ABORT"
)

// TokenType identifies the balance bucket a movement applies to
type TokenType string

const (
	// TokenTypeStable is the spendable stable-token bucket
	TokenTypeStable TokenType = "STABLE"
	// TokenTypeStaked is the staked-token bucket
	TokenTypeStaked TokenType = "STAKED"
	// TokenTypeLocked is the locked-token bucket backing node purchases
	TokenTypeLocked TokenType = "LOCKED"
)

// MemberType is the node membership tier of a participant
type MemberType string

const (
	MemberTypeOrdinary MemberType = "ORDINARY"
	MemberTypeMidNode  MemberType = "MID_NODE"
	MemberTypeTopNode  MemberType = "TOP_NODE"
)

// NodeRank orders member types for tier-difference commission lookups.
// Higher rank earns the difference on purchases below it.
func NodeRank(t MemberType) int {
	switch t {
	case MemberTypeMidNode:
		return 1
	case MemberTypeTopNode:
		return 2
	default:
		return 0
	}
}

// Day is a UTC calendar day used to key settlement runs and snapshots
type Day struct {
	Year  int
	Month int
	Day   int
}

// String formats the day as YYYY-MM-DD
func (d Day) String() string {
	return formatDay(d)
}
