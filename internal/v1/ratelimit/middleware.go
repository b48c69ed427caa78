package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/metrics"
)

// OpsLimiter rate limits the ops HTTP endpoints by client IP.
type OpsLimiter struct {
	limiter *limiter.Limiter
}

// NewOpsLimiter parses a formatted rate such as "100-M" and backs it with an
// in-memory store. The chat core has no multi-instance deployment, so a
// distributed store is not needed here.
func NewOpsLimiter(formatted string) (*OpsLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid ops rate: %w", err)
	}
	return &OpsLimiter{limiter: limiter.New(memory.NewStore(), rate)}, nil
}

// Middleware returns a gin middleware enforcing the per-IP limit.
func (o *OpsLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := o.limiter.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: availability beats strictness for ops probes.
			logging.Error(ctx, "Ops rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitRejections.WithLabelValues("ops_http").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}
