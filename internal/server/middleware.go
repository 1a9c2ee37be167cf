package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookline/internal/observability/context"
	"github.com/smallbiznis/bookline/internal/observability/logger"
	"github.com/smallbiznis/bookline/internal/reconcile/source"
	"go.uber.org/zap"
)

const rateLimitReasonProviderRate = "provider-rate"

// AdminTokenRequired guards operator and service-to-service routes. Without a
// configured token the routes stay open outside production only.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.AdminToken)
	return func(c *gin.Context) {
		if expected == "" {
			if s.cfg.IsProduction() {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin", "open"))
			c.Next()
			return
		}

		token := strings.TrimSpace(c.GetHeader(source.AdminTokenHeader))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin", "token"))
		c.Next()
	}
}

// CallbackRateLimit throttles provider callbacks per provider. A redis error
// admits the callback since providers retry rejected deliveries anyway.
func (s *Server) CallbackRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "provider", provider))
		if !s.callbackLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		res, err := s.callbackLimiter.Allow(ctx, provider)
		if err != nil {
			logger.FromContext(ctx).Warn("payment.callback.rate_limit_failed", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			logger.FromContext(ctx).Warn("payment.callback.rate_limited",
				zap.String("provider", provider),
				zap.String("reason", rateLimitReasonProviderRate),
			)
			s.obsMetrics.RecordRateLimitDenied(ctx, provider, endpoint, rateLimitReasonProviderRate)
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonProviderRate)
			AbortWithError(c, ErrRateLimited)
			return
		}
		s.obsMetrics.RecordRateLimitAllowed(ctx, provider, endpoint)
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
