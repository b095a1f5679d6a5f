package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"market-breadth/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const tickerPayload = `[
 {"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"35000.5"},
 {"e":"24hrMiniTicker","E":1700000000000,"s":"ETHUSDT","c":"1800"},
 {"e":"24hrMiniTicker","E":1700000000000,"s":"ETHBTC","c":"0.05"},
 {"e":"24hrMiniTicker","E":1700000000000,"s":"BADUSDT","c":"abc"}
]`

func tickerServer(t *testing.T, payloads ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// Keep connection open
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testStreamConfig(endpoint string, now time.Time) StreamConfig {
	cfg := DefaultStreamConfig()
	cfg.Endpoint = endpoint
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.Logger = logger.Discard()
	cfg.Now = func() time.Time { return now }
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStream_AppliesTickerPayload(t *testing.T) {
	server := tickerServer(t, tickerPayload)
	defer server.Close()

	now := time.UnixMilli(1700000030000)
	s, err := NewStream(context.Background(), testStreamConfig(wsURL(server), now))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	waitFor(t, func() bool { return s.Messages() >= 1 })

	samples, err := s.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 USDT samples, got %d: %+v", len(samples), samples)
	}
	if samples[0].Symbol != "BTCUSDT" || samples[0].Price != 35000.5 {
		t.Errorf("unexpected first sample %+v", samples[0])
	}
	if samples[1].Symbol != "ETHUSDT" || samples[1].TimestampMs != 1700000000000 {
		t.Errorf("unexpected second sample %+v", samples[1])
	}
}

func TestStream_OlderUpdateIgnored(t *testing.T) {
	newer := `[{"e":"24hrMiniTicker","E":2000,"s":"BTCUSDT","c":"2"}]`
	older := `[{"e":"24hrMiniTicker","E":1000,"s":"BTCUSDT","c":"1"}]`
	server := tickerServer(t, newer, older)
	defer server.Close()

	cfg := testStreamConfig(wsURL(server), time.UnixMilli(2500))
	cfg.MaxAge = 0
	s, err := NewStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	waitFor(t, func() bool { return s.Messages() >= 2 })

	samples, _ := s.Latest(context.Background())
	if len(samples) != 1 || samples[0].Price != 2 {
		t.Errorf("expected newer price to win, got %+v", samples)
	}
}

func TestStream_StaleSymbolsSkipped(t *testing.T) {
	server := tickerServer(t, tickerPayload)
	defer server.Close()

	// ten minutes after the payload, beyond the 5 minute MaxAge
	now := time.UnixMilli(1700000000000).Add(10 * time.Minute)
	s, err := NewStream(context.Background(), testStreamConfig(wsURL(server), now))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	waitFor(t, func() bool { return s.Messages() >= 1 })

	samples, err := s.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("expected stale samples to be skipped, got %+v", samples)
	}
}

func TestStream_Reconnects(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			// drop the first connection immediately
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(tickerPayload))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	s, err := NewStream(context.Background(), testStreamConfig(wsURL(server), time.UnixMilli(1700000000000)))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	waitFor(t, func() bool { return s.Reconnects() >= 1 && s.Messages() >= 1 })
}

func TestStream_Close(t *testing.T) {
	server := tickerServer(t)
	defer server.Close()

	s, err := NewStream(context.Background(), testStreamConfig(wsURL(server), time.Now()))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// idempotent
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Latest(context.Background()); err == nil {
		t.Error("expected error after close")
	}
}

func TestStream_DialError(t *testing.T) {
	_, err := NewStream(context.Background(), testStreamConfig("ws://127.0.0.1:1", time.Now()))
	if err == nil {
		t.Fatal("expected dial error")
	}
}
