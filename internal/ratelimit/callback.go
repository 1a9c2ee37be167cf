package ratelimit

import (
	"context"
	"strings"

	"github.com/smallbiznis/bookline/internal/config"
)

const keyCallbackProvider = "callback:"

// CallbackLimiter throttles provider callbacks per provider. Without redis it
// admits everything.
type CallbackLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCallbackLimiter(bucket *TokenBucket, cfg config.Config) *CallbackLimiter {
	if bucket == nil || cfg.Payment.CallbackRate <= 0 || cfg.Payment.CallbackBurst <= 0 {
		return &CallbackLimiter{}
	}
	return &CallbackLimiter{
		bucket: bucket,
		rate:   cfg.Payment.CallbackRate,
		burst:  cfg.Payment.CallbackBurst,
	}
}

func (l *CallbackLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *CallbackLimiter) Allow(ctx context.Context, provider string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, keyCallbackProvider+strings.ToLower(strings.TrimSpace(provider)), l.rate, l.burst)
}
