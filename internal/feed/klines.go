package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/lookup"
	"market-breadth/internal/observability"
)

// KlineConfig configures historical price lookups.
type KlineConfig struct {
	BaseURL string
	// Interval is the kline interval, e.g. "1m".
	Interval string
	// Lookback bounds how far before the target a close may be taken from.
	Lookback time.Duration
	// Window is the span fetched per request and cached per symbol, so consecutive
	// lookups of one symbol are served from a single range.
	Window time.Duration
	// RequestsPerSecond limits REST calls; Burst allows short spikes.
	RequestsPerSecond float64
	Burst             int
	Logger            *logrus.Entry
	Now               func() time.Time
}

// DefaultKlineConfig returns defaults that stay well below Binance weight limits.
func DefaultKlineConfig() KlineConfig {
	return KlineConfig{
		Interval:          "1m",
		Lookback:          5 * time.Minute,
		Window:            16 * time.Hour,
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

const klineLimit = 1000

// klineRange is the fetched closes of one symbol covering [from, to].
type klineRange struct {
	from, to int64
	series   []*domain.PriceSample
}

func (r *klineRange) covers(from, to int64) bool {
	return r != nil && r.from <= from && to <= r.to
}

// KlineSource resolves historical closes per symbol from Binance klines.
// It keeps the last fetched range per symbol.
type KlineSource struct {
	client   *binance.Client
	limiter  *rate.Limiter
	interval string
	lookback time.Duration
	window   time.Duration
	now      func() time.Time
	log      *logrus.Entry

	mu     sync.Mutex
	ranges map[string]*klineRange
}

// NewKlineSource creates a rate-limited kline source.
func NewKlineSource(cfg KlineConfig) *KlineSource {
	def := DefaultKlineConfig()
	if cfg.Interval == "" {
		cfg.Interval = def.Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("klines")
	}

	client := binance.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &KlineSource{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		interval: cfg.Interval,
		lookback: cfg.Lookback,
		window:   cfg.Window,
		now:      cfg.Now,
		log:      log,
		ranges:   make(map[string]*klineRange),
	}
}

// PriceAt returns the last close at or before timestampMs within the lookback.
// Klines that close after timestampMs are ignored. A miss on the cached range
// fetches the next window for the symbol, starting at timestampMs - lookback.
func (k *KlineSource) PriceAt(ctx context.Context, symbol string, timestampMs int64) (*domain.PriceSample, error) {
	lookback := k.lookback.Milliseconds()
	from := timestampMs - lookback

	k.mu.Lock()
	r := k.ranges[symbol]
	k.mu.Unlock()

	if !r.covers(from, timestampMs) {
		var err error
		if r, err = k.fetch(ctx, symbol, from, timestampMs); err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.ranges[symbol] = r
		k.mu.Unlock()
	}

	return lookup.PriceWithin(timestampMs, lookback, r.series)
}

// fetch loads closes of symbol from `from` up to one window later, never past now.
func (k *KlineSource) fetch(ctx context.Context, symbol string, from, target int64) (*klineRange, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	to := min(from+k.window.Milliseconds(), k.now().UnixMilli())
	if to < target {
		to = target
	}

	klines, err := k.client.NewKlinesService().
		Symbol(symbol).
		Interval(k.interval).
		StartTime(from).
		EndTime(to).
		Limit(klineLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	r := &klineRange{from: from, to: to, series: make([]*domain.PriceSample, 0, len(klines))}
	for _, kl := range klines {
		if kl == nil {
			continue
		}
		price, err := strconv.ParseFloat(kl.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		r.series = append(r.series, &domain.PriceSample{Symbol: symbol, Price: price, TimestampMs: kl.CloseTime})
	}
	// a full page may end before the requested window
	if len(klines) == klineLimit && klines[len(klines)-1] != nil {
		r.to = max(target, min(r.to, klines[len(klines)-1].CloseTime))
	}
	return r, nil
}

// PricesAt resolves every symbol at timestampMs. Symbols without a usable
// close are skipped and counted; a cancelled context stops the loop.
func (k *KlineSource) PricesAt(ctx context.Context, symbols []string, timestampMs int64) ([]domain.PriceSample, error) {
	out := make([]domain.PriceSample, 0, len(symbols))
	for _, sym := range symbols {
		s, err := k.PriceAt(ctx, sym, timestampMs)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			switch {
			case errors.Is(err, lookup.ErrNoPriceData):
				observability.RecordDataQualityGap("no_history")
			case errors.Is(err, domain.ErrStaleSample):
				observability.RecordDataQualityGap("stale_sample")
			default:
				k.log.WithError(err).WithField("symbol", sym).Warn("kline lookup failed")
			}
			continue
		}
		out = append(out, *s)
	}
	sortSamples(out)
	return out, nil
}
