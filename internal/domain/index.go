package domain

import "time"

// MarketIndex is one point of the persisted market index series.
// Corresponds to market_index table in PostgreSQL. At most one row per timestamp.
type MarketIndex struct {
	TimestampMs int64     // evaluation timestamp (ms), aligned to the sampling interval
	Value       float64   // mean change percent across all symbols
	TotalCoins  int       // number of symbols the value was computed from
	CreatedAt   time.Time // set by the store
}
