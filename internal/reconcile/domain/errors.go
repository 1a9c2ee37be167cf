package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPair       = errors.New("invalid_reconcile_pair")
	ErrDriftDetected     = errors.New("drift_detected")
	ErrSourceUnavailable = errors.New("authoritative_source_unavailable")
)

// DriftDetected describes what a run corrected. It is logged, never returned to callers.
type DriftDetected struct {
	Subscriber string
	EntityType string
	Drifted    int
	Missing    int
	Repeated   bool
}

func (e *DriftDetected) Error() string {
	return fmt.Sprintf("drift on %s/%s: %d diverged, %d missing", e.Subscriber, e.EntityType, e.Drifted, e.Missing)
}

func (e *DriftDetected) Is(target error) bool {
	return target == ErrDriftDetected
}
