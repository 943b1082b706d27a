package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/canvasbanana/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	rateLimitReasonAccountRate      = "account-rate"
	rateLimitReasonPurchaseInFlight = "purchase-in-flight"
)

// AccountRateLimit takes a token from the caller's bucket for scope. Redis
// failures are logged and the request is let through.
func (s *Server) AccountRateLimit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		accountID := callerIdentity(c).AccountID
		endpoint := normalizeRateLimitEndpoint(c)

		res, err := s.limiter.Allow(ctx, scope, accountID)
		if err != nil {
			logger.FromContext(ctx).Warn("credits rate limit check failed", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			denyRateLimit(c, endpoint, rateLimitReasonAccountRate, res.RetryAfter, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, s.obsMetrics, endpoint)
		c.Next()
	}
}

// PurchaseLock keeps one checkout creation in flight per account.
func (s *Server) PurchaseLock() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		accountID := callerIdentity(c).AccountID

		token, acquired, err := s.limiter.TryLockPurchase(ctx, accountID)
		if err != nil {
			logger.FromContext(ctx).Warn("purchase lock failed", zap.Error(err))
			c.Next()
			return
		}
		if !acquired {
			denyRateLimit(c, normalizeRateLimitEndpoint(c), rateLimitReasonPurchaseInFlight, time.Second, s.obsMetrics)
			return
		}

		defer func() {
			if err := s.limiter.ReleasePurchase(context.WithoutCancel(ctx), accountID, token); err != nil {
				logger.FromContext(ctx).Warn("purchase lock release failed", zap.Error(err))
			}
		}()
		c.Next()
	}
}

func denyRateLimit(c *gin.Context, endpoint, reason string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	c.Header("X-Rate-Limited-Reason", reason)
	if metrics != nil {
		metrics.RecordRateLimitDenied(c.Request.Context(), endpoint, reason)
	}
	logger.FromContext(c.Request.Context()).Info("credits request rate limited",
		zap.String("endpoint", endpoint),
		zap.String("reason", reason),
	)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, metrics *obsmetrics.Metrics, endpoint string) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if route := strings.TrimSpace(c.FullPath()); route != "" {
		return route
	}
	return "unknown"
}
