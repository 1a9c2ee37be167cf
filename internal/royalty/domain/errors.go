package domain

import "errors"

var (
	ErrInvalidPeriod   = errors.New("invalid_period")
	ErrInvalidStatus   = errors.New("invalid_royalty_status")
	ErrRoyaltyNotFound = errors.New("royalty_not_found")
	ErrInvalidRate     = errors.New("invalid_royalty_rate")
)
