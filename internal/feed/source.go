// Package feed provides price sample sources: a Binance websocket stream,
// a Binance REST poller, historical klines and a stub for tests.
package feed

import (
	"context"
	"sort"
	"strings"

	"market-breadth/internal/domain"
)

// Source returns the latest known price per symbol.
type Source interface {
	Latest(ctx context.Context) ([]domain.PriceSample, error)
}

// SymbolFilter restricts a feed to symbols quoted in one asset.
type SymbolFilter struct {
	QuoteAsset string              // e.g. USDT; empty allows every symbol
	Exclude    map[string]struct{} // explicit denylist
}

// Allow reports whether symbol passes the filter.
func (f SymbolFilter) Allow(symbol string) bool {
	if symbol == "" {
		return false
	}
	if _, ok := f.Exclude[symbol]; ok {
		return false
	}
	if f.QuoteAsset == "" {
		return true
	}
	return strings.HasSuffix(symbol, f.QuoteAsset) && len(symbol) > len(f.QuoteAsset)
}

// NewExclude builds an Exclude set from a symbol list.
func NewExclude(symbols []string) map[string]struct{} {
	m := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		m[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return m
}

func sortSamples(s []domain.PriceSample) {
	sort.Slice(s, func(i, j int) bool { return s[i].Symbol < s[j].Symbol })
}
