package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/api/middleware"
	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/hierarchy"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/perfcache"
	"github.com/meridianfi/referral-engine/internal/settlement"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/store/schema"
	"github.com/meridianfi/referral-engine/internal/txflow"
)

const snapshotHistoryLimit = 30

// timeNow is stubbed in tests
var timeNow = time.Now

// SettlementRunner triggers a settlement run for one day
type SettlementRunner interface {
	Run(ctx context.Context, day domain.Day) (*settlement.Result, error)
}

// Handler holds the services backing the HTTP surface
type Handler struct {
	hierarchy *hierarchy.Service
	ledger    *ledger.Service
	txflow    *txflow.Service
	perf      *perfcache.Cache
	store     store.Store
	settler   SettlementRunner
	rewards   *config.RewardsConfig
}

// NewHandler creates the REST handler
func NewHandler(hier *hierarchy.Service, lg *ledger.Service, tf *txflow.Service,
	perf *perfcache.Cache, st store.Store, settler SettlementRunner,
	rewards *config.RewardsConfig) *Handler {
	return &Handler{
		hierarchy: hier,
		ledger:    lg,
		txflow:    tf,
		perf:      perf,
		store:     st,
		settler:   settler,
		rewards:   rewards,
	}
}

// signer returns the wallet address verified by the signature middleware
func signer(c *gin.Context) string {
	return c.GetString(middleware.SignerKey)
}

// activeParticipant resolves the participant for address, creating it on first
// interaction, and rejects banned wallets
func (h *Handler) activeParticipant(c *gin.Context, address string) (*schema.Participant, error) {
	participant, err := h.hierarchy.EnsureParticipant(c.Request.Context(), address)
	if err != nil {
		return nil, err
	}
	if participant.Banned {
		return nil, fmt.Errorf("%w: participant banned", domain.ErrInvalidTransaction)
	}
	return participant, nil
}

// Register handles POST /v1/participants
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	participant, err := h.hierarchy.EnsureParticipant(c.Request.Context(), strings.ToLower(req.Address))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toParticipantResponse(participant))
}

// BindReferrer handles POST /v1/referrals. The signer binds itself under the
// given superior; the binding is permanent.
func (h *Handler) BindReferrer(c *gin.Context) {
	var req bindReferrerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	address := signer(c)
	superior := strings.ToLower(req.SuperiorAddress)

	if _, err := h.activeParticipant(c, address); err != nil {
		respondDomainError(c, err)
		return
	}
	if _, err := h.hierarchy.EnsureParticipant(ctx, superior); err != nil {
		respondDomainError(c, err)
		return
	}
	if err := h.hierarchy.BindReferrer(ctx, address, superior); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stake handles POST /v1/stakes. The deposit is recorded PENDING and takes
// effect once the chain transfer finalizes.
func (h *Handler) Stake(c *gin.Context) {
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	address := signer(c)
	if _, err := h.activeParticipant(c, address); err != nil {
		respondDomainError(c, err)
		return
	}

	tx, err := h.txflow.Create(c.Request.Context(), txflow.CreateInput{
		Kind:         domain.TxKindStake,
		TokenType:    domain.TokenTypeStaked,
		Amount:       req.Amount,
		FromAddress:  address,
		ExternalHash: &req.TxHash,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransactionResponse(tx))
}

// PurchaseNode handles POST /v1/nodes. The member type is assigned up front
// and rolled back if the purchase LOCK fails on chain.
func (h *Handler) PurchaseNode(c *gin.Context) {
	var req nodePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	memberType := domain.MemberType(req.NodeType)
	rank := domain.NodeRank(memberType)
	if rank == 0 {
		respondValidationError(c, fmt.Sprintf("unknown node type %q", req.NodeType))
		return
	}

	ctx := c.Request.Context()
	address := signer(c)
	participant, err := h.activeParticipant(c, address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if participant.MemberType != nil && domain.NodeRank(*participant.MemberType) >= rank {
		respondDomainError(c, fmt.Errorf("%w: already holds %s", domain.ErrInvalidTransaction, *participant.MemberType))
		return
	}

	if err := h.store.SetMemberType(ctx, address, &memberType); err != nil {
		respondDomainError(c, err)
		return
	}

	tx, err := h.txflow.Create(ctx, txflow.CreateInput{
		Kind:         domain.TxKindLock,
		TokenType:    domain.TokenTypeLocked,
		Amount:       h.rewards.NodePrice(rank),
		FromAddress:  address,
		ExternalHash: &req.TxHash,
		Description:  "node purchase " + req.NodeType,
	})
	if err != nil {
		// the tier assignment must not outlive its failed purchase record
		if rollbackErr := h.store.SetMemberType(ctx, address, participant.MemberType); rollbackErr != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("member type rollback failed: %w", rollbackErr),
				zap.String("address", address))
		}
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransactionResponse(tx))
}

// Claim handles POST /v1/claims. The assembly deposit is recorded PENDING and
// credits stable points once the chain transfer finalizes.
func (h *Handler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	address := signer(c)
	if _, err := h.activeParticipant(c, address); err != nil {
		respondDomainError(c, err)
		return
	}

	tx, err := h.txflow.Create(c.Request.Context(), txflow.CreateInput{
		Kind:         domain.TxKindAssemble,
		TokenType:    domain.TokenTypeStable,
		Amount:       req.Amount,
		ToAddress:    address,
		ExternalHash: &req.TxHash,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransactionResponse(tx))
}

// Burn handles POST /v1/burns. The debit applies once the on-chain burn
// finalizes.
func (h *Handler) Burn(c *gin.Context) {
	var req burnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	address := signer(c)
	if _, err := h.activeParticipant(c, address); err != nil {
		respondDomainError(c, err)
		return
	}

	tx, err := h.txflow.Create(c.Request.Context(), txflow.CreateInput{
		Kind:         domain.TxKindBurn,
		TokenType:    domain.TokenTypeStable,
		Amount:       req.Amount,
		FromAddress:  address,
		ExternalHash: &req.TxHash,
		Description:  req.Description,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransactionResponse(tx))
}

// Withdraw handles POST /v1/withdrawals. Points are reserved immediately;
// large amounts queue for manual review.
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	address := signer(c)
	if _, err := h.activeParticipant(c, address); err != nil {
		respondDomainError(c, err)
		return
	}

	tx, err := h.txflow.Create(c.Request.Context(), txflow.CreateInput{
		Kind:        domain.TxKindWithdraw,
		TokenType:   domain.TokenTypeStable,
		Amount:      req.Amount,
		FromAddress: address,
		Description: req.Description,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransactionResponse(tx))
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	from := signer(c)
	to := strings.ToLower(req.ToAddress)

	if _, err := h.activeParticipant(c, from); err != nil {
		respondDomainError(c, err)
		return
	}
	recipient, err := h.store.GetParticipantByAddress(ctx, to)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if recipient == nil {
		respondDomainError(c, fmt.Errorf("%w: recipient %s", domain.ErrNotFound, to))
		return
	}

	if err := h.ledger.Transfer(ctx, from, to, req.Amount, req.Description); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetParticipant handles GET /v1/participants/:address
func (h *Handler) GetParticipant(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	participant, err := h.store.GetParticipantByAddress(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if participant == nil {
		respondWithError(c, http.StatusNotFound, errCodeNotFound, "Participant not found")
		return
	}
	c.JSON(http.StatusOK, toParticipantResponse(participant))
}

// GetBalance handles GET /v1/participants/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	balance, err := h.store.GetBalance(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if balance == nil {
		// registered but never transacted
		balance = &schema.Balance{Address: address}
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

// GetTeam handles GET /v1/participants/:address/team. With ?direct=true only
// children are listed; ?member_type narrows to one node tier.
func (h *Handler) GetTeam(c *gin.Context) {
	ctx := c.Request.Context()
	address := strings.ToLower(c.Param("address"))
	direct := c.Query("direct") == "true"

	var typeFilter *domain.MemberType
	if raw := c.Query("member_type"); raw != "" {
		mt := domain.MemberType(raw)
		typeFilter = &mt
	}

	members, err := h.hierarchy.Subordinates(ctx, address, direct, typeFilter)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	total, err := h.perf.TotalPerformance(ctx, address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	partial, err := h.perf.PartialPerformance(ctx, address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	level, err := h.perf.Level(ctx, address)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	resp := teamResponse{
		Address:            address,
		Level:              level,
		TotalPerformance:   total,
		PartialPerformance: partial,
		Members:            make([]participantResponse, 0, len(members)),
	}
	for _, m := range members {
		resp.Members = append(resp.Members, toParticipantResponse(m))
	}
	c.JSON(http.StatusOK, resp)
}

// GetSnapshots handles GET /v1/participants/:address/snapshots
func (h *Handler) GetSnapshots(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	snaps, err := h.store.SnapshotHistory(c.Request.Context(), address, snapshotHistoryLimit)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	resp := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, snapshotResponse{
			Day:              domain.Day{Year: s.Year, Month: s.Month, Day: s.Day}.String(),
			TotalPerformance: s.TotalPerformance,
			StakedAmount:     s.StakedAmount,
			DirectCount:      s.DirectCount,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.store.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if tx == nil {
		respondWithError(c, http.StatusNotFound, errCodeNotFound, "Transaction not found")
		return
	}
	c.JSON(http.StatusOK, toTransactionResponse(tx))
}

// ForceConfirm handles POST /v1/admin/transactions/:id/confirm
func (h *Handler) ForceConfirm(c *gin.Context) {
	if err := h.txflow.ForceConfirm(c.Request.Context(), c.Param("id")); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AbortTransaction handles POST /v1/admin/transactions/:id/abort
func (h *Handler) AbortTransaction(c *gin.Context) {
	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}
	if err := h.txflow.Abort(c.Request.Context(), c.Param("id"), req.Refund); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReviewWithdrawal handles POST /v1/admin/transactions/:id/review
func (h *Handler) ReviewWithdrawal(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}
	if err := h.txflow.Review(c.Request.Context(), c.Param("id"), req.Approve); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RunSettlement handles POST /v1/admin/settlements. Without a date the
// previous UTC day is settled, matching the scheduler's target.
func (h *Handler) RunSettlement(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondValidationError(c, err.Error())
		return
	}

	day := domain.DayOf(timeNow().AddDate(0, 0, -1))
	if req.Date != "" {
		var err error
		day, err = domain.ParseDay(req.Date)
		if err != nil {
			respondDomainError(c, err)
			return
		}
	}

	result, err := h.settler.Run(c.Request.Context(), day)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"day":      result.Day.String(),
		"reranked": result.Reranked,
		"rewarded": result.Rewarded,
		"swept":    result.Swept,
		"failures": result.Failures,
	})
}

// BanParticipant handles POST /v1/admin/participants/:address/ban
func (h *Handler) BanParticipant(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}
	address := strings.ToLower(c.Param("address"))
	if err := h.store.SetBanned(c.Request.Context(), address, req.Banned); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DailyReport handles GET /v1/admin/reports/daily
func (h *Handler) DailyReport(c *gin.Context) {
	raw := c.Query("date")
	if raw == "" {
		respondBadRequest(c, "Missing date query parameter")
		return
	}
	day, err := domain.ParseDay(raw)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	report, err := h.store.GetDailyReport(c.Request.Context(), day)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	rewards := make(map[string]string, len(report.RewardsByKind))
	for kind, sum := range report.RewardsByKind {
		rewards[string(kind)] = sum.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"day":               report.Day.String(),
		"participants":      report.Participants,
		"total_performance": report.TotalPerformance,
		"total_staked":      report.TotalStaked,
		"rewards_by_kind":   rewards,
	})
}
