package rest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// registerRequest registers a wallet on first interaction
type registerRequest struct {
	Address string `json:"address" binding:"required"`
}

// bindReferrerRequest binds the signer to a referrer, once
type bindReferrerRequest struct {
	SuperiorAddress string `json:"superior_address" binding:"required"`
}

// stakeRequest records an on-chain stake deposit awaiting finalization
type stakeRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	TxHash string          `json:"tx_hash" binding:"required"`
}

// nodePurchaseRequest records an on-chain node tier purchase
type nodePurchaseRequest struct {
	NodeType string `json:"node_type" binding:"required"`
	TxHash   string `json:"tx_hash" binding:"required"`
}

// claimRequest records an on-chain assembly deposit crediting stable points
type claimRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	TxHash string          `json:"tx_hash" binding:"required"`
}

// burnRequest records an on-chain burn debiting stable points
type burnRequest struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	TxHash      string          `json:"tx_hash" binding:"required"`
	Description string          `json:"description"`
}

// withdrawRequest debits stable points for an off-platform payout
type withdrawRequest struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
}

// transferRequest moves stable points from the signer to another participant
type transferRequest struct {
	ToAddress   string          `json:"to_address" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
}

// abortRequest aborts a stuck transaction, optionally refunding reserved points
type abortRequest struct {
	Refund bool `json:"refund"`
}

// reviewRequest resolves an auditing withdrawal
type reviewRequest struct {
	Approve bool `json:"approve"`
}

// settlementRequest triggers a settlement run; Date defaults to the previous
// UTC day
type settlementRequest struct {
	Date string `json:"date"`
}

// banRequest toggles a participant's banned flag
type banRequest struct {
	Banned bool `json:"banned"`
}

// participantResponse is the public view of a participant
type participantResponse struct {
	Address         string     `json:"address"`
	SuperiorAddress *string    `json:"superior_address,omitempty"`
	Depth           int        `json:"depth"`
	Level           int        `json:"level"`
	MemberType      *string    `json:"member_type,omitempty"`
	Banned          bool       `json:"banned,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toParticipantResponse(p *schema.Participant) participantResponse {
	resp := participantResponse{
		Address:         p.Address,
		SuperiorAddress: p.SuperiorAddress,
		Depth:           p.Depth,
		Level:           p.Level,
		Banned:          p.Banned,
		CreatedAt:       p.CreatedAt,
	}
	if p.MemberType != nil {
		mt := string(*p.MemberType)
		resp.MemberType = &mt
	}
	return resp
}

// balanceResponse is the public view of a balance row
type balanceResponse struct {
	Address               string          `json:"address"`
	StablePoints          decimal.Decimal `json:"stable_points"`
	StakedPoints          decimal.Decimal `json:"staked_points"`
	LockedPoints          decimal.Decimal `json:"locked_points"`
	StakeRewardCap        decimal.Decimal `json:"stake_reward_cap"`
	StakeDynamicRewardCap decimal.Decimal `json:"stake_dynamic_reward_cap"`
}

func toBalanceResponse(b *schema.Balance) balanceResponse {
	return balanceResponse{
		Address:               b.Address,
		StablePoints:          b.StablePoints,
		StakedPoints:          b.StakedPoints,
		LockedPoints:          b.LockedPoints,
		StakeRewardCap:        b.StakeRewardCap,
		StakeDynamicRewardCap: b.StakeDynamicRewardCap,
	}
}

// transactionResponse is the public view of a transaction row
type transactionResponse struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	TokenType    string          `json:"token_type"`
	Amount       decimal.Decimal `json:"amount"`
	FromAddress  string          `json:"from_address,omitempty"`
	ToAddress    string          `json:"to_address,omitempty"`
	ExternalHash *string         `json:"external_hash,omitempty"`
	Status       string          `json:"status"`
	Fee          decimal.Decimal `json:"fee"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
}

func toTransactionResponse(tx *schema.Transaction) transactionResponse {
	return transactionResponse{
		ID:           tx.ID,
		Kind:         string(tx.Kind),
		TokenType:    string(tx.TokenType),
		Amount:       tx.Amount,
		FromAddress:  tx.FromAddress,
		ToAddress:    tx.ToAddress,
		ExternalHash: tx.ExternalHash,
		Status:       string(tx.Status),
		Fee:          tx.Fee,
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt,
		ExecutedAt:   tx.ExecutedAt,
	}
}

// teamResponse summarizes the signer-visible view of a downline
type teamResponse struct {
	Address            string                `json:"address"`
	Level              int                   `json:"level"`
	TotalPerformance   decimal.Decimal       `json:"total_performance"`
	PartialPerformance decimal.Decimal       `json:"partial_performance"`
	Members            []participantResponse `json:"members"`
}

// snapshotResponse is one settled day of downline performance
type snapshotResponse struct {
	Day              string          `json:"day"`
	TotalPerformance decimal.Decimal `json:"total_performance"`
	StakedAmount     decimal.Decimal `json:"staked_amount"`
	DirectCount      int             `json:"direct_count"`
}
