package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"call-tracker/internal/auth"
	"call-tracker/pkg/logger"
	"call-tracker/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RateCounter decides whether one more request for key fits its window.
type RateCounter interface {
	Allow(ctx context.Context, key string) (utils.RateDecision, error)
}

// RateLimit advertises limit on every response and, when counter is set,
// rejects requests past it with 429. Counter errors fail open. apiKey is the
// configured webhook key; only a matching header earns the key bucket.
func RateLimit(counter RateCounter, limit int, apiKey string) gin.HandlerFunc {
	limitHeader := strconv.Itoa(limit)
	return func(c *gin.Context) {
		c.Header("X-RateLimit-Limit", limitHeader)
		if counter == nil {
			c.Next()
			return
		}

		d, err := counter.Allow(c.Request.Context(), rateKey(c, apiKey))
		if err != nil {
			logger.FromGin(c).Warn("rate limiter unavailable", "err", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.ResetIn.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

// rateKey buckets callers holding the API key together and everyone else by
// client address, so rotating bogus keys does not buy fresh buckets.
func rateKey(c *gin.Context, apiKey string) string {
	if k := c.GetHeader(auth.APIKeyHeader); auth.MatchAPIKey(apiKey, k) {
		return "ratelimit:key:" + utils.Fingerprint(k)
	}
	return "ratelimit:ip:" + c.ClientIP()
}
