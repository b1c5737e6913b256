package kducer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Option configures a session at construction time. Policies are fixed once
// New returns; they are read by the loop without synchronization.
type Option func(*Kducer) error

// WithConnectTimeout sets the TCP connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(k *Kducer) error {
		if d <= 0 {
			return errors.New("kducer: connect timeout must be positive")
		}
		k.connectTimeout = d
		return nil
	}
}

// WithExchangeTimeout sets the per-exchange send/receive deadline.
func WithExchangeTimeout(d time.Duration) Option {
	return func(k *Kducer) error {
		if d <= 0 {
			return errors.New("kducer: exchange timeout must be positive")
		}
		k.exchangeTimeout = d
		return nil
	}
}

// WithPollInterval sets the loop tick interval, which also bounds the
// latency of every foreground call from below.
func WithPollInterval(d time.Duration) Option {
	return func(k *Kducer) error {
		if d <= 0 {
			return errors.New("kducer: poll interval must be positive")
		}
		k.pollInterval = d
		return nil
	}
}

// WithReconnectDelay sets the pause between failed connection attempts.
// Defaults to the poll interval.
func WithReconnectDelay(d time.Duration) Option {
	return func(k *Kducer) error {
		if d <= 0 {
			return errors.New("kducer: reconnect delay must be positive")
		}
		k.reconnectDelay = d
		return nil
	}
}

// WithLockUntilResultFetched raises the stop-motor coil whenever a result is
// captured and releases it only once the result queue has been drained.
func WithLockUntilResultFetched() Option {
	return func(k *Kducer) error {
		k.lockUntilFetched = true
		return nil
	}
}

// WithLockAlways raises the stop-motor coil on every captured result and
// never releases it automatically.
func WithLockAlways() Option {
	return func(k *Kducer) error {
		k.lockAlways = true
		return nil
	}
}

// WithHighResolutionGraphs captures the torque/angle trace alongside every
// result.
func WithHighResolutionGraphs() Option {
	return func(k *Kducer) error {
		k.highResGraphs = true
		return nil
	}
}

// WithTimestampOverride stamps results with host time instead of the
// controller's clock, which is often unset on the plant floor.
func WithTimestampOverride() Option {
	return func(k *Kducer) error {
		k.overrideTimestamp = true
		return nil
	}
}

// WithLogger sets the session logger.
func WithLogger(logger Logger) Option {
	return func(k *Kducer) error {
		if logger == nil {
			return errors.New("kducer: logger cannot be nil")
		}
		k.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(k *Kducer) error {
		if metrics == nil {
			return errors.New("kducer: metrics cannot be nil")
		}
		k.metrics = metrics
		return nil
	}
}

// Config is the file-based counterpart to the Option set, for deployments
// that prefer a YAML file over wiring options in code.
type Config struct {
	Device struct {
		Address           string `yaml:"address"`
		ConnectTimeoutMs  int    `yaml:"connect_timeout_ms"`
		ExchangeTimeoutMs int    `yaml:"exchange_timeout_ms"`
	} `yaml:"device"`

	Polling struct {
		IntervalMs       int `yaml:"interval_ms"`
		ReconnectDelayMs int `yaml:"reconnect_delay_ms"`
	} `yaml:"polling"`

	Policies struct {
		LockUntilResultFetched bool `yaml:"lock_until_result_fetched"`
		LockAlways             bool `yaml:"lock_always"`
		HighResolutionGraphs   bool `yaml:"high_resolution_graphs"`
		TimestampOverride      bool `yaml:"timestamp_override"`
	} `yaml:"policies"`

	Logging struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with every default filled in except
// the controller address.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Device.ConnectTimeoutMs = int(defaultConnectTimeout / time.Millisecond)
	cfg.Device.ExchangeTimeoutMs = int(defaultExchangeTimeout / time.Millisecond)
	cfg.Polling.IntervalMs = int(DefaultPollInterval / time.Millisecond)
	return cfg
}

// LoadConfig reads a YAML configuration file, layered over the defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the session would reject.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return errors.New("device.address is required")
	}
	if c.Device.ConnectTimeoutMs <= 0 {
		return errors.New("device.connect_timeout_ms must be positive")
	}
	if c.Device.ExchangeTimeoutMs <= 0 {
		return errors.New("device.exchange_timeout_ms must be positive")
	}
	if c.Polling.IntervalMs <= 0 {
		return errors.New("polling.interval_ms must be positive")
	}
	if c.Polling.ReconnectDelayMs < 0 {
		return errors.New("polling.reconnect_delay_ms cannot be negative")
	}
	if c.Policies.LockUntilResultFetched && c.Policies.LockAlways {
		return errors.New("policies lock_until_result_fetched and lock_always are mutually exclusive")
	}
	return nil
}

// NewFromConfig opens a session from a Config. Extra options are applied
// after the config, so they win on conflict.
func NewFromConfig(cfg *Config, opts ...Option) (*Kducer, error) {
	if cfg == nil {
		return nil, errors.New("kducer: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kducer: %w", err)
	}

	all := []Option{
		WithConnectTimeout(time.Duration(cfg.Device.ConnectTimeoutMs) * time.Millisecond),
		WithExchangeTimeout(time.Duration(cfg.Device.ExchangeTimeoutMs) * time.Millisecond),
		WithPollInterval(time.Duration(cfg.Polling.IntervalMs) * time.Millisecond),
	}
	if cfg.Polling.ReconnectDelayMs > 0 {
		all = append(all, WithReconnectDelay(time.Duration(cfg.Polling.ReconnectDelayMs)*time.Millisecond))
	}
	if cfg.Policies.LockUntilResultFetched {
		all = append(all, WithLockUntilResultFetched())
	}
	if cfg.Policies.LockAlways {
		all = append(all, WithLockAlways())
	}
	if cfg.Policies.HighResolutionGraphs {
		all = append(all, WithHighResolutionGraphs())
	}
	if cfg.Policies.TimestampOverride {
		all = append(all, WithTimestampOverride())
	}
	if cfg.Logging.Enabled {
		all = append(all, WithLogger(NewDefaultLogger()))
	}
	all = append(all, opts...)

	return New(cfg.Device.Address, all...)
}
