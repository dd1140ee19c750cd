package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cohere/internal/observability/logger"
	"github.com/smallbiznis/cohere/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitDecisionAllowed = "allowed"
	rateLimitDecisionDenied  = "denied"
	rateLimitDecisionError   = "error"
)

type clientLimiter interface {
	AllowClient(ctx context.Context, clientID string) (*ratelimit.Result, error)
}

// CheckoutRateLimit throttles checkout attempts per client. A failing limiter
// backend lets the request through.
func (s *Server) CheckoutRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		res, err := s.limiter.AllowClient(ctx, clientIDFrom(c))
		if err != nil {
			logger.FromContext(ctx).Warn("checkout rate limit check failed", zap.Error(err))
			s.obsMetrics.RecordRateLimit(ctx, endpoint, rateLimitDecisionError)
			c.Next()
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Warn("checkout rate limit exceeded", zap.String("endpoint", endpoint))
			s.obsMetrics.RecordRateLimit(ctx, endpoint, rateLimitDecisionDenied)

			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			AbortWithError(c, ErrRateLimited)
			return
		}

		s.obsMetrics.RecordRateLimit(ctx, endpoint, rateLimitDecisionAllowed)
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
