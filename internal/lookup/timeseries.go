// Package lookup resolves point-in-time prices from ordered sample series.
package lookup

import (
	"errors"

	"market-breadth/internal/domain"
)

// ErrNoPriceData is returned when no sample is at or before the target.
var ErrNoPriceData = errors.New("no price data available")

// PriceAt returns the sample at or before target from a series ordered by timestamp ASC.
// Samples after target are never used, so historical recomputation cannot see the future.
func PriceAt(target int64, samples []*domain.PriceSample) (*domain.PriceSample, error) {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].TimestampMs <= target {
			return samples[i], nil
		}
	}
	return nil, ErrNoPriceData
}

// PriceWithin is PriceAt restricted to samples newer than target - maxAgeMs.
// maxAgeMs <= 0 disables the age check.
func PriceWithin(target, maxAgeMs int64, samples []*domain.PriceSample) (*domain.PriceSample, error) {
	s, err := PriceAt(target, samples)
	if err != nil {
		return nil, err
	}
	if maxAgeMs > 0 && target-s.TimestampMs >= maxAgeMs {
		return nil, domain.ErrStaleSample
	}
	return s, nil
}
