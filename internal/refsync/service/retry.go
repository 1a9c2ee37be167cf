package service

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/bookline/internal/config"
)

// RetryPolicy spaces failed delivery attempts exponentially.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
}

func RetryPolicyFromConfig(cfg config.SyncConfig) RetryPolicy {
	policy := RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
		Jitter:      cfg.BackoffJitter,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.Base <= 0 {
		policy.Base = 2 * time.Second
	}
	if policy.Cap < policy.Base {
		policy.Cap = 60 * time.Second
	}
	return policy
}

// Delay returns the wait before the attempt following failed attempt number attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.Cap,
	}
	b.Reset()

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Exhausted reports whether no attempt remains after attempt failures.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
