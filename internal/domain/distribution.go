package domain

import "encoding/json"

// CoinDetail is a symbol with its change percent against its base price.
type CoinDetail struct {
	Symbol        string  `json:"symbol"`
	ChangePercent float64 `json:"changePercent"`
}

// DistributionBucket groups symbols whose change percent falls into one range.
type DistributionBucket struct {
	Range       string       `json:"range"`
	Count       int          `json:"count"`
	CoinDetails []CoinDetail `json:"coinDetails"`
}

// Coins returns the plain symbol list of the bucket, in CoinDetails order.
func (b DistributionBucket) Coins() []string {
	coins := make([]string, len(b.CoinDetails))
	for i, c := range b.CoinDetails {
		coins[i] = c.Symbol
	}
	return coins
}

// MarshalJSON adds the symbol-only "coins" list next to coinDetails.
// It is derived on output and ignored on input.
func (b DistributionBucket) MarshalJSON() ([]byte, error) {
	type plain DistributionBucket
	return json.Marshal(struct {
		plain
		Coins []string `json:"coins"`
	}{plain(b), b.Coins()})
}

// DistributionSnapshot is the change-percent distribution of all tracked symbols at one tick.
// Buckets partition the symbols: the sum of bucket counts equals TotalCoins.
type DistributionSnapshot struct {
	TimestampMs     int64                `json:"timestamp"`
	TotalCoins      int                  `json:"totalCoins"`
	UpCount         int                  `json:"upCount"`
	DownCount       int                  `json:"downCount"`
	Buckets         []DistributionBucket `json:"distribution"`
	AllCoinsRanking []CoinDetail         `json:"allCoinsRanking"` // change percent DESC, symbol ASC
}
