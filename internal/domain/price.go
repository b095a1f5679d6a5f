package domain

import "time"

// PriceSample is a single observed price for a symbol.
// Samples are transient and are not persisted by the analytics core.
type PriceSample struct {
	Symbol      string  // trading pair, e.g. SOLUSDT
	Price       float64 // last traded price
	TimestampMs int64   // Unix timestamp in milliseconds
}

// BasePrice is the reference price a symbol's change percent is measured against.
// Corresponds to base_price table in PostgreSQL.
type BasePrice struct {
	Symbol    string    // primary key
	Price     float64   // reference price, always > 0
	CreatedAt time.Time // set on creation and on every re-base
}
