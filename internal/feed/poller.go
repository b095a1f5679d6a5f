package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sirupsen/logrus"

	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/observability"
)

// PollerConfig configures the REST price poller.
type PollerConfig struct {
	BaseURL string // empty uses the Binance production endpoint
	Filter  SymbolFilter
	Logger  *logrus.Entry
	Now     func() time.Time
}

// Poller fetches last prices for every symbol with one REST call.
// The ticker endpoint carries no timestamp, so samples are stamped at fetch time.
type Poller struct {
	client *binance.Client
	filter SymbolFilter
	log    *logrus.Entry
	now    func() time.Time
}

// NewPoller creates a REST poller.
func NewPoller(cfg PollerConfig) *Poller {
	client := binance.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("feed")
	}
	return &Poller{client: client, filter: cfg.Filter, log: log, now: cfg.Now}
}

// Latest implements Source.
func (p *Poller) Latest(ctx context.Context) ([]domain.PriceSample, error) {
	prices, err := p.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}

	ts := p.now().UnixMilli()
	out := make([]domain.PriceSample, 0, len(prices))
	for _, sp := range prices {
		if sp == nil || !p.filter.Allow(sp.Symbol) {
			continue
		}
		price, err := strconv.ParseFloat(sp.Price, 64)
		if err != nil || price <= 0 {
			observability.RecordDataQualityGap("invalid_price")
			continue
		}
		out = append(out, domain.PriceSample{Symbol: sp.Symbol, Price: price, TimestampMs: ts})
	}

	sortSamples(out)
	p.log.WithField("symbols", len(out)).Debug("polled prices")
	return out, nil
}

var _ Source = (*Poller)(nil)
