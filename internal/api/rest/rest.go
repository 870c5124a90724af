package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteConfig carries the middleware applied per route group
type RouteConfig struct {
	// SignatureAuth guards user-initiated mutations; it verifies the wallet
	// signature and enforces idempotency
	SignatureAuth gin.HandlerFunc
	// RateLimit throttles per client IP; nil disables limiting
	RateLimit gin.HandlerFunc
	// AdminAuth guards the admin group with API keys
	AdminAuth gin.HandlerFunc
}

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler *Handler, cfg RouteConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	signed := []gin.HandlerFunc{cfg.SignatureAuth}
	if cfg.RateLimit != nil {
		signed = append([]gin.HandlerFunc{cfg.RateLimit}, signed...)
	}

	v1 := router.Group("/api/v1")
	{
		// Registration is open: a wallet exists from its first interaction
		v1.POST("/participants", handler.Register)

		// Signed user mutations
		v1.POST("/referrals", append(signed, handler.BindReferrer)...)
		v1.POST("/stakes", append(signed, handler.Stake)...)
		v1.POST("/nodes", append(signed, handler.PurchaseNode)...)
		v1.POST("/claims", append(signed, handler.Claim)...)
		v1.POST("/burns", append(signed, handler.Burn)...)
		v1.POST("/withdrawals", append(signed, handler.Withdraw)...)
		v1.POST("/transfers", append(signed, handler.Transfer)...)

		// Public read access
		v1.GET("/participants/:address", handler.GetParticipant)
		v1.GET("/participants/:address/balance", handler.GetBalance)
		v1.GET("/participants/:address/team", handler.GetTeam)
		v1.GET("/participants/:address/snapshots", handler.GetSnapshots)
		v1.GET("/transactions/:id", handler.GetTransaction)

		// Admin endpoints (requires API key authentication)
		admin := v1.Group("/admin", cfg.AdminAuth)
		{
			admin.POST("/transactions/:id/confirm", handler.ForceConfirm)
			admin.POST("/transactions/:id/abort", handler.AbortTransaction)
			admin.POST("/transactions/:id/review", handler.ReviewWithdrawal)
			admin.POST("/settlements", handler.RunSettlement)
			admin.POST("/participants/:address/ban", handler.BanParticipant)
			admin.GET("/reports/daily", handler.DailyReport)
		}
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
