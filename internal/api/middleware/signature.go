package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/idempotency"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/signature"
)

// SignerKey is the gin context key holding the verified signer address
const SignerKey = "verified_signer"

// signedEnvelope is the signed subset every user-initiated mutation carries
type signedEnvelope struct {
	Timestamp   int64           `json:"timestamp"`
	Operation   string          `json:"operation"`
	Amount      decimal.Decimal `json:"amount"`
	Address     string          `json:"address"`
	Description string          `json:"description"`
	TokenType   string          `json:"token_type"`
	Signature   string          `json:"signature"`
}

// SignatureAuth returns a gin middleware enforcing wallet-signature
// authentication on user-initiated mutations. The signature doubles as the
// idempotency key: a replayed request is rejected before any work happens,
// and a failed verification releases the key so the client can retry with a
// corrected signature.
func SignatureAuth(verifier *signature.Verifier, guard idempotency.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "bad_request", "message": "Unreadable request body"},
			})
			return
		}
		// the handler binds the same body again
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var env signedEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Signature == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "validation_failed", "message": "Missing signed envelope"},
			})
			return
		}

		ctx := c.Request.Context()
		key := "sig:" + env.Signature
		reserved, err := guard.Reserve(ctx, key)
		if err != nil {
			logger.ErrorCtx(ctx, err, zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "Idempotency check failed"},
			})
			return
		}
		if !reserved {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": gin.H{"code": "duplicated_operation", "message": "Operation already submitted"},
			})
			return
		}

		if err := verifier.Verify(&signature.SignedRequest{
			TimestampMs: env.Timestamp,
			Operation:   env.Operation,
			Amount:      env.Amount,
			Address:     env.Address,
			Description: env.Description,
			TokenType:   domain.TokenType(env.TokenType),
			Signature:   env.Signature,
		}); err != nil {
			// an invalid attempt must not burn the key for the corrected retry
			if releaseErr := guard.Release(ctx, key); releaseErr != nil {
				logger.WarnCtx(ctx, "failed to release idempotency key", zap.Error(releaseErr))
			}

			status := http.StatusUnauthorized
			code := "invalid_signature"
			if errors.Is(err, domain.ErrInvalidTransaction) {
				status = http.StatusBadRequest
				code = "invalid_transaction"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": gin.H{"code": code, "message": err.Error()},
			})
			return
		}

		c.Set(SignerKey, strings.ToLower(env.Address))
		c.Next()
	}
}
