// Package config loads service configuration from YAML, .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"market-breadth/internal/bucket"
	"market-breadth/internal/domain"
)

// Feed modes.
const (
	FeedStream = "stream" // websocket mini ticker
	FeedPoll   = "poll"   // REST ticker price
)

// Config is the full service configuration.
type Config struct {
	Interval          time.Duration `yaml:"interval"`
	PullbackThreshold float64       `yaml:"pullback_threshold"` // percent
	HistoryLimit      int           `yaml:"history_limit"`
	DistributionEdges []float64     `yaml:"distribution_edges"`
	UptrendEdges      []float64     `yaml:"uptrend_edges"`

	Retention       time.Duration `yaml:"retention"`
	RetentionCheck  time.Duration `yaml:"retention_check"`
	ReconcileWindow time.Duration `yaml:"reconcile_window"`
	ArchiveLookback time.Duration `yaml:"archive_lookback"`
	DelistAfter     time.Duration `yaml:"delist_after"` // 0 keeps absent symbols forever

	HTTPAddr string `yaml:"http_addr"`

	Feed    FeedConfig    `yaml:"feed"`
	Klines  KlinesConfig  `yaml:"klines"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// FeedConfig selects and tunes the live price source.
type FeedConfig struct {
	Mode        string        `yaml:"mode"`
	Endpoint    string        `yaml:"endpoint"`      // websocket URL
	RESTBaseURL string        `yaml:"rest_base_url"` // empty uses Binance production
	QuoteAsset  string        `yaml:"quote_asset"`
	Exclude     []string      `yaml:"exclude"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// KlinesConfig tunes historical kline lookups during backfill.
type KlinesConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig selects storage backends.
type StorageConfig struct {
	UseMemory        bool          `yaml:"use_memory"`
	PostgresDSN      string        `yaml:"postgres_dsn"`
	PostgresMaxConns int32         `yaml:"postgres_max_conns"`
	ClickhouseDSN    string        `yaml:"clickhouse_dsn"`
	RedisAddr        string        `yaml:"redis_addr"` // empty keeps wave state and snapshots in memory
	RedisPassword    string        `yaml:"redis_password"`
	RedisDB          int           `yaml:"redis_db"`
	RedisPrefix      string        `yaml:"redis_prefix"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Interval:          time.Minute,
		PullbackThreshold: 6,
		HistoryLimit:      20,
		DistributionEdges: []float64{-10, -5, -3, -1, 0, 1, 3, 5, 10},
		UptrendEdges:      []float64{5, 10, 20, 30, 50, 100},
		Retention:         30 * 24 * time.Hour,
		RetentionCheck:    time.Hour,
		ReconcileWindow:   24 * time.Hour,
		ArchiveLookback:   5 * time.Minute,
		DelistAfter:       24 * time.Hour,
		HTTPAddr:          ":9090",
		Feed: FeedConfig{
			Mode:       FeedStream,
			Endpoint:   "wss://stream.binance.com:9443/ws/!miniTicker@arr",
			QuoteAsset: "USDT",
			MaxAge:     5 * time.Minute,
		},
		Klines: KlinesConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Storage: StorageConfig{
			PostgresMaxConns: 10,
			RedisPrefix:      "breadth:",
			SnapshotTTL:      10 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// LoadDotEnv loads .env files into the environment. Missing files are ignored,
// and variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then environment overrides, then overrides (command-line flags). The result is validated.
func Load(path string, overrides ...func(c *Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	edges := func(key string, dst *[]float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			parsed, err := ParseEdges(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	dur("BREADTH_INTERVAL", &c.Interval)
	float("PULLBACK_THRESHOLD", &c.PullbackThreshold)
	integer("HISTORY_LIMIT", &c.HistoryLimit)
	edges("DISTRIBUTION_EDGES", &c.DistributionEdges)
	edges("UPTREND_EDGES", &c.UptrendEdges)
	dur("RETENTION", &c.Retention)
	dur("RETENTION_CHECK", &c.RetentionCheck)
	dur("RECONCILE_WINDOW", &c.ReconcileWindow)
	dur("ARCHIVE_LOOKBACK", &c.ArchiveLookback)
	dur("DELIST_AFTER", &c.DelistAfter)
	str("HTTP_ADDR", &c.HTTPAddr)

	str("FEED_MODE", &c.Feed.Mode)
	str("FEED_ENDPOINT", &c.Feed.Endpoint)
	str("BINANCE_REST_URL", &c.Feed.RESTBaseURL)
	str("QUOTE_ASSET", &c.Feed.QuoteAsset)
	dur("FEED_MAX_AGE", &c.Feed.MaxAge)
	if v, ok := os.LookupEnv("FEED_EXCLUDE"); ok {
		c.Feed.Exclude = splitList(v)
	}

	boolean("KLINES_ENABLED", &c.Klines.Enabled)
	float("KLINES_RPS", &c.Klines.RequestsPerSecond)

	boolean("USE_MEMORY", &c.Storage.UseMemory)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("CLICKHOUSE_DSN", &c.Storage.ClickhouseDSN)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("REDIS_PASSWORD", &c.Storage.RedisPassword)
	integer("REDIS_DB", &c.Storage.RedisDB)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

// Validate checks the configuration. Errors wrap domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidConfig}, args...)...))
	}

	if c.Interval < time.Second || c.Interval%time.Second != 0 {
		bad("interval must be a positive whole number of seconds, got %s", c.Interval)
	}
	if c.PullbackThreshold <= 0 || math.IsNaN(c.PullbackThreshold) || math.IsInf(c.PullbackThreshold, 0) {
		bad("pullback_threshold must be > 0, got %v", c.PullbackThreshold)
	}
	if c.HistoryLimit <= 0 {
		bad("history_limit must be > 0, got %d", c.HistoryLimit)
	}
	if err := bucket.Edges(c.DistributionEdges).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("distribution_edges: %w", err))
	}
	if err := bucket.Edges(c.UptrendEdges).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("uptrend_edges: %w", err))
	}
	if c.Retention <= c.Interval {
		bad("retention %s must exceed interval %s", c.Retention, c.Interval)
	}
	if c.RetentionCheck <= 0 {
		bad("retention_check must be > 0")
	}
	if c.ReconcileWindow < 0 {
		bad("reconcile_window must be >= 0")
	}
	// a longer window would backfill points the retention purge removes
	if c.Retention > 0 && c.ReconcileWindow > c.Retention {
		bad("reconcile_window %s must not exceed retention %s", c.ReconcileWindow, c.Retention)
	}
	if c.ArchiveLookback <= 0 {
		bad("archive_lookback must be > 0")
	}
	if c.DelistAfter != 0 && c.DelistAfter <= c.Interval {
		bad("delist_after %s must exceed interval %s", c.DelistAfter, c.Interval)
	}

	switch c.Feed.Mode {
	case FeedStream:
		if c.Feed.Endpoint == "" {
			bad("feed.endpoint is required in stream mode")
		}
	case FeedPoll:
	default:
		bad("feed.mode must be %q or %q, got %q", FeedStream, FeedPoll, c.Feed.Mode)
	}
	if c.Klines.Enabled && c.Klines.RequestsPerSecond <= 0 {
		bad("klines.requests_per_second must be > 0")
	}

	if !c.Storage.UseMemory && (c.Storage.PostgresDSN == "" || c.Storage.ClickhouseDSN == "") {
		bad("postgres_dsn and clickhouse_dsn are required (set use_memory for in-memory storage)")
	}

	return errors.Join(errs...)
}

// ParseEdges parses a comma separated list of bucket edges.
func ParseEdges(s string) ([]float64, error) {
	parts := splitList(s)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("edge %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
