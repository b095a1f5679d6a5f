package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/domain"
	"market-breadth/internal/history"
	"market-breadth/internal/observability"
	"market-breadth/internal/registry"
	"market-breadth/internal/scheduler"
	"market-breadth/internal/storage"
	"market-breadth/internal/uptrend"
)

// Server exposes health, metrics, status and the cached snapshots over HTTP.
type Server struct {
	driver   *scheduler.Driver
	registry *registry.Registry
	tracker  *uptrend.Tracker
	stores   *allStores
	log      *logrus.Entry

	// windowed views recomputed from the price archive
	computer  *history.Computer
	pullback  float64       // default for ?pullback=
	maxWindow time.Duration // upper bound for ?hours=, normally the retention
	now       func() time.Time
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// Status endpoint
	mux.HandleFunc("/status", s.handleStatus)

	mux.HandleFunc("/snapshot/distribution", s.handleDistribution)
	mux.HandleFunc("/snapshot/uptrend", s.handleUptrend)
	mux.HandleFunc("/index", s.handleIndex)
	mux.HandleFunc("/waves/", s.handleWaves)

	mux.HandleFunc("/admin/rebase", s.handleRebase)
	mux.HandleFunc("/admin/delist", s.handleDelist)

	return mux
}

// startHTTPServer starts the HTTP server for health/metrics/status.
func (s *Server) startHTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.WithField("addr", addr).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()
	return srv
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":   s.stores.backend,
		"scheduler": s.driver.Status(),
		"pending":   s.registry.Pending(),
		"closed":    s.tracker.ClosedTotal(),
	})
}

// handleDistribution returns the latest distribution, or with ?hours=H the change
// of every symbol against its archived price H hours ago.
func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("hours") {
		snap, err := s.stores.cache.GetDistribution(r.Context())
		s.writeCached(w, snap, err)
		return
	}

	window, ok := s.parseWindow(w, q.Get("hours"))
	if !ok {
		return
	}
	snap, err := s.computer.DistributionSince(r.Context(), s.nowMs(), window)
	s.writeComputed(w, snap, err)
}

// handleUptrend returns the latest uptrend snapshot, or with ?hours=H&pullback=P the
// waves replayed from the archive over the last H hours (default 24) at threshold P.
func (s *Server) handleUptrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("hours") && !q.Has("pullback") {
		snap, err := s.stores.cache.GetUptrend(r.Context())
		s.writeCached(w, snap, err)
		return
	}

	hours := q.Get("hours")
	if hours == "" {
		hours = "24"
	}
	window, ok := s.parseWindow(w, hours)
	if !ok {
		return
	}
	pullback := s.pullback
	if v := q.Get("pullback"); v != "" {
		var err error
		if pullback, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pullback")
			return
		}
	}
	snap, err := s.computer.UptrendSince(r.Context(), s.nowMs(), window, pullback)
	s.writeComputed(w, snap, err)
}

func (s *Server) parseWindow(w http.ResponseWriter, v string) (time.Duration, bool) {
	hours, err := strconv.ParseFloat(v, 64)
	if err != nil || hours <= 0 {
		writeError(w, http.StatusBadRequest, "invalid hours")
		return 0, false
	}
	window := time.Duration(hours * float64(time.Hour))
	if s.maxWindow > 0 && window > s.maxWindow {
		writeError(w, http.StatusBadRequest, "hours exceeds retention "+s.maxWindow.String())
		return 0, false
	}
	return window, true
}

func (s *Server) nowMs() int64 {
	if s.now == nil {
		return time.Now().UnixMilli()
	}
	return s.now().UnixMilli()
}

func (s *Server) writeComputed(w http.ResponseWriter, v interface{}, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.WithError(err).Warn("windowed view")
		writeError(w, http.StatusInternalServerError, "price archive unavailable")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) writeCached(w http.ResponseWriter, v interface{}, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "no snapshot yet")
	case err != nil:
		s.log.WithError(err).Warn("read snapshot cache")
		writeError(w, http.StatusInternalServerError, "snapshot cache unavailable")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

// handleIndex returns the market index series, /index?from=<ms>&to=<ms>; default is the last 24h.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UnixMilli()
	from := to - (24 * time.Hour).Milliseconds()
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
	}
	if to < from {
		writeError(w, http.StatusBadRequest, "to before from")
		return
	}

	points, err := s.stores.indexStore.GetByTimeRange(r.Context(), from, to)
	if err != nil {
		s.log.WithError(err).Warn("read index series")
		writeError(w, http.StatusInternalServerError, "index store unavailable")
		return
	}
	if points == nil {
		points = []*domain.MarketIndex{}
	}
	writeJSON(w, http.StatusOK, points)
}

// handleWaves returns the ongoing wave and the closed waves of one symbol, /waves/<SYMBOL>.
func (s *Server) handleWaves(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/waves/"))
	state, ok := s.tracker.State(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}

	closed := s.tracker.History(symbol)
	if closed == nil {
		closed = []domain.UptrendWave{}
	}
	resp := map[string]interface{}{
		"symbol":  symbol,
		"phase":   state.Phase,
		"history": closed,
	}
	if wave, ok := s.tracker.Wave(symbol); ok {
		resp["ongoing"] = wave
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRebase sets a new base price, POST /admin/rebase?symbol=X&price=1.23.
func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	price, err := strconv.ParseFloat(r.URL.Query().Get("price"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid price")
		return
	}
	if err := s.registry.SetBase(symbol, price); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.WithFields(logrus.Fields{"symbol": symbol, "price": price}).Info("base price reset")
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "price": price})
}

// handleDelist removes a symbol and its wave state, POST /admin/delist?symbol=X.
func (s *Server) handleDelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if !s.registry.Delete(symbol) {
		writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}
	s.log.WithField("symbol", symbol).Info("symbol delisted")
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
