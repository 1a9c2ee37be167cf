package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrVersionConflict reports that a conditional write lost to a concurrent one.
var ErrVersionConflict = errors.New("version_conflict")

const defaultConflictTries = 5

// RetryOnConflict reruns op with exponential backoff while it fails with
// ErrVersionConflict or a retryable transaction error. Any other error stops
// the loop immediately.
func RetryOnConflict(ctx context.Context, tries uint, op func() error) error {
	if tries == 0 {
		tries = defaultConflictTries
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Second,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil || errors.Is(err, ErrVersionConflict) || IsRetryableTxErr(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}
