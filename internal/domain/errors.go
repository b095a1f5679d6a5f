package domain

import "errors"

// Data quality gaps. A symbol hitting one of these is skipped for the current cycle.
var (
	// ErrNoBasePrice is returned when a symbol has no reference price.
	ErrNoBasePrice = errors.New("no base price")

	// ErrInvalidPrice is returned for non-positive or non-finite prices.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidSymbol is returned for empty symbols.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrStaleSample is returned when a sample is older than the accepted age.
	ErrStaleSample = errors.New("stale sample")
)

var (
	// ErrBackfillCompute is returned when a historical point cannot be recomputed.
	ErrBackfillCompute = errors.New("backfill compute failed")

	// ErrInvalidConfig is returned for invalid thresholds or bucket edges.
	// It is fatal at startup.
	ErrInvalidConfig = errors.New("invalid configuration")
)
