// Package config centralises runtime configuration for the ordersync core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/ordersync/errs"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// RateLimitSettings paces outbound order mutation calls.
type RateLimitSettings struct {
	// Limit is the maximum number of tracked calls per window. Zero disables
	// throttling entirely.
	Limit int `yaml:"limit"`
	// MinSpacing is the minimum duration between a call and the call Limit
	// positions earlier.
	MinSpacing time.Duration `yaml:"minSpacing"`
	// MaxWait bounds how long a caller may be blocked before the call is
	// abandoned with a rate_limited error.
	MaxWait time.Duration `yaml:"maxWait"`
}

// ReconcileSettings governs the authoritative re-poll schedule.
type ReconcileSettings struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// StreamSettings configures the websocket connection.
type StreamSettings struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	ReadLimit        int64         `yaml:"readLimit"`
	// ControlRate caps subscribe/unsubscribe control writes per second.
	ControlRate float64 `yaml:"controlRate"`
	// FrameBuffer sizes each logical subscription channel.
	FrameBuffer int `yaml:"frameBuffer"`
}

// CacheSettings configures the local order cache.
type CacheSettings struct {
	// EventBufferSize bounds the number of deltas held while a snapshot is
	// still in flight.
	EventBufferSize int `yaml:"eventBufferSize"`
	// EvictAfter is the grace window terminal orders are retained for.
	EvictAfter time.Duration `yaml:"evictAfter"`
	// ChangeBuffer sizes each change-feed subscriber channel.
	ChangeBuffer int `yaml:"changeBuffer"`
}

// LoggingSettings configures structured log output.
type LoggingSettings struct {
	Level string `yaml:"level"`
	// File enables rotating file output when non-empty.
	File string `yaml:"file"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	RateLimit   RateLimitSettings `yaml:"rateLimit"`
	Reconcile   ReconcileSettings `yaml:"reconcile"`
	Stream      StreamSettings    `yaml:"stream"`
	Cache       CacheSettings     `yaml:"cache"`
	Logging     LoggingSettings   `yaml:"logging"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		RateLimit: RateLimitSettings{
			Limit:      10,
			MinSpacing: time.Second,
			MaxWait:    5 * time.Second,
		},
		Reconcile: ReconcileSettings{
			Interval:   30 * time.Second,
			StaleAfter: 90 * time.Second,
		},
		Stream: StreamSettings{
			URL:              "",
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     20 * time.Second,
			ReadLimit:        2 * 1024 * 1024,
			ControlRate:      5,
			FrameBuffer:      256,
		},
		Cache: CacheSettings{
			EventBufferSize: 512,
			EvictAfter:      time.Minute,
			ChangeBuffer:    64,
		},
		Logging: LoggingSettings{
			Level: "info",
			File:  "",
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "ordersync",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("ORDERSYNC_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v, ok := envInt("ORDERSYNC_RATE_LIMIT"); ok {
		cfg.RateLimit.Limit = v
	}
	if v, ok := envDuration("ORDERSYNC_RATE_MIN_SPACING"); ok {
		cfg.RateLimit.MinSpacing = v
	}
	if v, ok := envDuration("ORDERSYNC_RATE_MAX_WAIT"); ok {
		cfg.RateLimit.MaxWait = v
	}
	if v, ok := envDuration("ORDERSYNC_RECONCILE_INTERVAL"); ok {
		cfg.Reconcile.Interval = v
	}
	if v, ok := envDuration("ORDERSYNC_STALE_AFTER"); ok {
		cfg.Reconcile.StaleAfter = v
	}
	if v := strings.TrimSpace(os.Getenv("ORDERSYNC_WS_URL")); v != "" {
		cfg.Stream.URL = v
	}
	if v, ok := envDuration("ORDERSYNC_WS_HANDSHAKE_TIMEOUT"); ok {
		cfg.Stream.HandshakeTimeout = v
	}
	if v, ok := envDuration("ORDERSYNC_WS_PING_INTERVAL"); ok {
		cfg.Stream.PingInterval = v
	}
	if v := strings.TrimSpace(os.Getenv("ORDERSYNC_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ORDERSYNC_LOG_FILE")); v != "" {
		cfg.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv("ORDERSYNC_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// LoadFile overlays YAML configuration from path on top of base.
func LoadFile(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings tree for inconsistencies.
func (s Settings) Validate() error {
	if s.RateLimit.Limit < 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("rate limit must not be negative"))
	}
	if s.RateLimit.Limit > 0 && s.RateLimit.MinSpacing <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("minSpacing required when limit enabled"))
	}
	if s.RateLimit.Limit > 0 && s.RateLimit.MaxWait <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("maxWait required when limit enabled"))
	}
	if s.Reconcile.Interval <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("reconcile interval must be positive"))
	}
	if s.Reconcile.StaleAfter <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("staleAfter must be positive"))
	}
	if s.Cache.EventBufferSize <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("event buffer size must be positive"))
	}
	return nil
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return dur, true
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
