package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/logger"
)

// RateLimit returns a gin middleware limiting each client IP to perMinute
// requests on the wrapped route. Redis failures fail open: an unavailable
// limiter must not take the API down with it.
func RateLimit(limiter adapter.RedisRateLimiter, perMinute int) gin.HandlerFunc {
	limit := redis_rate.PerMinute(perMinute)

	return func(c *gin.Context) {
		key := "rate:" + c.ClientIP() + ":" + c.FullPath()

		result, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.Error(err), zap.String("path", c.FullPath()))
			c.Next()
			return
		}

		if result.Allowed == 0 {
			c.Header("Retry-After", result.RetryAfter.String())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "rate_limited", "message": "Too many requests"},
			})
			return
		}
		c.Next()
	}
}
