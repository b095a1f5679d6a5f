package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/observability"
)

// DefaultStreamEndpoint is the Binance all-market mini ticker stream.
const DefaultStreamEndpoint = "wss://stream.binance.com:9443/ws/!miniTicker@arr"

// StreamConfig configures the websocket price stream.
type StreamConfig struct {
	Endpoint string
	Filter   SymbolFilter
	// MaxAge drops symbols whose last update is older than this; 0 disables.
	MaxAge time.Duration

	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration

	Logger *logrus.Entry
	Now    func() time.Time
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Endpoint:          DefaultStreamEndpoint,
		Filter:            SymbolFilter{QuoteAsset: "USDT"},
		MaxAge:            5 * time.Minute,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// miniTicker is one element of the !miniTicker@arr payload.
type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// Stream keeps the latest price per symbol from a websocket ticker stream.
type Stream struct {
	config StreamConfig
	log    *logrus.Entry

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	prices   map[string]domain.PriceSample
	pricesMu sync.RWMutex

	messages   atomic.Int64
	reconnects atomic.Int64

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup

	// reconnecting indicates reconnection in progress
	reconnecting atomic.Bool
}

// NewStream connects to the endpoint and starts reading.
func NewStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	def := DefaultStreamConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("feed")
	}

	s := &Stream{
		config: cfg,
		log:    log.WithField("endpoint", cfg.Endpoint),
		prices: make(map[string]domain.PriceSample),
		done:   make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

// connect establishes WebSocket connection.
func (s *Stream) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

// Latest returns the freshest sample per symbol, sorted by symbol.
// Samples older than MaxAge are skipped and counted as stale.
func (s *Stream) Latest(ctx context.Context) ([]domain.PriceSample, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("stream closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cutoff := int64(0)
	if s.config.MaxAge > 0 {
		cutoff = s.config.Now().Add(-s.config.MaxAge).UnixMilli()
	}

	s.pricesMu.RLock()
	out := make([]domain.PriceSample, 0, len(s.prices))
	stale := 0
	for _, p := range s.prices {
		if p.TimestampMs < cutoff {
			stale++
			continue
		}
		out = append(out, p)
	}
	s.pricesMu.RUnlock()

	for i := 0; i < stale; i++ {
		observability.RecordDataQualityGap("stale_sample")
	}
	if stale > 0 {
		s.log.WithField("stale", stale).Debug("skipped stale symbols")
	}

	sortSamples(out)
	return out, nil
}

// Messages returns the number of payloads applied since start.
func (s *Stream) Messages() int64 { return s.messages.Load() }

// Reconnects returns the number of successful reconnects.
func (s *Stream) Reconnects() int64 { return s.reconnects.Load() }

// Close closes the WebSocket connection.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// readLoop reads ticker payloads and reconnects with exponential backoff.
func (s *Stream) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			if !s.reconnecting.Swap(true) {
				s.log.WithError(err).WithField("delay", reconnectDelay).Warn("stream read failed, reconnecting")
				observability.RecordFeedInterruption()
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = s.config.ReconnectDelay
		s.handleMessage(message)
	}
}

// reconnect replaces the connection after delay.
func (s *Stream) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		// will retry on next read error
		s.log.WithError(err).Warn("reconnect failed")
		return
	}
	s.reconnects.Add(1)
	s.log.Info("stream reconnected")
}

// handleMessage applies one !miniTicker@arr payload.
func (s *Stream) handleMessage(data []byte) {
	var tickers []miniTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		// single-symbol streams send an object instead of an array
		var one miniTicker
		if err := json.Unmarshal(data, &one); err != nil {
			s.log.WithError(err).Debug("unparseable payload")
			return
		}
		tickers = []miniTicker{one}
	}

	s.pricesMu.Lock()
	defer s.pricesMu.Unlock()

	for _, t := range tickers {
		if !s.config.Filter.Allow(t.Symbol) {
			continue
		}
		price, err := strconv.ParseFloat(t.Close, 64)
		if err != nil || price <= 0 {
			observability.RecordDataQualityGap("invalid_price")
			continue
		}
		if prev, ok := s.prices[t.Symbol]; ok && prev.TimestampMs > t.EventTime {
			continue
		}
		s.prices[t.Symbol] = domain.PriceSample{Symbol: t.Symbol, Price: price, TimestampMs: t.EventTime}
	}
	s.messages.Add(1)
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *Stream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				// a dead connection surfaces in readLoop
				_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}

var _ Source = (*Stream)(nil)
