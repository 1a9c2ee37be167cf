package domain

import "errors"

var (
	ErrInvalidProvider        = errors.New("invalid_provider")
	ErrProviderNotFound       = errors.New("provider_not_found")
	ErrProviderNotConfigured  = errors.New("provider_not_configured")
	ErrInvalidConfig          = errors.New("invalid_provider_config")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrInvalidPayload         = errors.New("invalid_payload")
	ErrInvalidCallback        = errors.New("invalid_callback")
	ErrEventIgnored           = errors.New("event_ignored")
	ErrAnomalyNotFound        = errors.New("anomaly_not_found")
	ErrAnomalyAlreadyResolved = errors.New("anomaly_already_resolved")
	ErrInvalidResolution      = errors.New("invalid_resolution")
	ErrInvalidAnomalyStatus   = errors.New("invalid_anomaly_status")
	ErrGatewayUnavailable     = errors.New("payment_gateway_unavailable")
)
