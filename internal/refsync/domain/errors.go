package domain

import (
	"errors"
	"fmt"
)

var (
	ErrStaleVersion         = errors.New("stale_version")
	ErrDeliveryFailed       = errors.New("delivery_failed")
	ErrInvalidMode          = errors.New("invalid_mode")
	ErrInvalidSubscriber    = errors.New("invalid_subscriber")
	ErrInvalidEndpoint      = errors.New("invalid_endpoint")
	ErrSubscriberNotFound   = errors.New("subscriber_not_found")
	ErrSubscriberInactive   = errors.New("subscriber_inactive")
	ErrSubscriberNotPolling = errors.New("subscriber_not_polling")
	ErrEventNotFound        = errors.New("event_not_found")
	ErrTransportDisabled    = errors.New("transport_disabled")
)

// StaleVersionError rejects an emit whose version is not above the entity head.
type StaleVersionError struct {
	EntityUUID     string
	Submitted      int64
	CurrentVersion int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version %d for %s: current version is %d", e.Submitted, e.EntityUUID, e.CurrentVersion)
}

func (e *StaleVersionError) Is(target error) bool {
	return target == ErrStaleVersion
}

// DeliveryFailure is a failed transport call. Permanent failures park the
// delivery without spending the remaining attempts.
type DeliveryFailure struct {
	Subscriber string
	Mode       Mode
	Permanent  bool
	Err        error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver to %s via %s: %v", e.Subscriber, e.Mode, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

func (e *DeliveryFailure) Is(target error) bool {
	return target == ErrDeliveryFailed
}
