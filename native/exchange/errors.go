package exchange

import "errors"

var (
	// ErrSameAsset indicates the source and destination assets are identical.
	ErrSameAsset = errors.New("exchange: source and destination assets must differ")
	// ErrZeroAmount indicates the conversion amount was missing or non-positive.
	ErrZeroAmount = errors.New("exchange: amount must be positive")
	// ErrUnknownAsset indicates an asset key was empty or not configured.
	ErrUnknownAsset = errors.New("exchange: unknown asset")
	// ErrAccountRequired indicates the account or destination address was missing.
	ErrAccountRequired = errors.New("exchange: account required")
	// ErrWaitingPeriod indicates the source asset still has unmatured pending entries.
	ErrWaitingPeriod = errors.New("exchange: waiting period not elapsed for source asset")
	// ErrStalePrice indicates a price feed was flagged stale or invalid.
	ErrStalePrice = errors.New("exchange: price stale or invalid")
	// ErrTooVolatile indicates recent price movement exceeded the dynamic fee ceiling.
	ErrTooVolatile = errors.New("exchange: rates too volatile")
	// ErrVolumeLimitExceeded indicates the atomic volume window cap would be breached.
	ErrVolumeLimitExceeded = errors.New("exchange: atomic volume limit exceeded")
	// ErrBelowMinimumReceived indicates the filled amount fell short of the caller's guard.
	ErrBelowMinimumReceived = errors.New("exchange: amount received below minimum")
	// ErrPriceDeviation indicates the atomic fill deviated from the reference conversion.
	ErrPriceDeviation = errors.New("exchange: atomic price deviates from reference")
)
