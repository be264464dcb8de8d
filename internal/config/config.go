// Package config loads the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/policy"
)

// Config is the structure of a graphcache.yaml file.
type Config struct {
	Endpoint  string            `yaml:"endpoint"`
	WebSocket string            `yaml:"websocket"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	// Schema is the path of an SDL file describing the endpoint.
	Schema    string          `yaml:"schema"`
	Cache     CacheConfig     `yaml:"cache"`
	Batch     BatchConfig     `yaml:"batch"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type CacheConfig struct {
	Policy               string        `yaml:"policy"`
	MaxAge               time.Duration `yaml:"maxAge"`
	StaleWhileRevalidate time.Duration `yaml:"staleWhileRevalidate"`
}

type BatchConfig struct {
	Window      time.Duration `yaml:"window"`
	Concurrency int           `yaml:"concurrency"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Factor         float64       `yaml:"factor"`
	Jitter         float64       `yaml:"jitter"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	MetricsAddr  string `yaml:"metricsAddr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Cache: CacheConfig{
			Policy:               string(policy.Default),
			MaxAge:               cache.DefaultMaxAge,
			StaleWhileRevalidate: cache.DefaultStaleWhileRevalidate,
		},
		Retry: RetryConfig{
			MaxRetries:     fetch.DefaultMaxRetries,
			InitialBackoff: fetch.DefaultInitialBackoff,
			MaxBackoff:     fetch.DefaultMaxBackoff,
			Factor:         fetch.DefaultBackoffFactor,
			Jitter:         fetch.DefaultJitterFactor,
		},
		Telemetry: TelemetryConfig{ServiceName: "graphcache"},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := policy.Parse(c.Cache.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.MaxAge < 0 {
		errs = append(errs, errors.New("cache.maxAge must not be negative"))
	}
	if c.Cache.StaleWhileRevalidate < 0 {
		errs = append(errs, errors.New("cache.staleWhileRevalidate must not be negative"))
	}
	if c.Batch.Window < 0 {
		errs = append(errs, errors.New("batch.window must not be negative"))
	}
	if c.Batch.Concurrency < 0 {
		errs = append(errs, errors.New("batch.concurrency must not be negative"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.maxRetries must not be negative"))
	}
	if c.Retry.Factor != 0 && c.Retry.Factor < 1 {
		errs = append(errs, errors.New("retry.factor must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// Policy returns the configured default fetch policy.
func (c *Config) Policy() policy.FetchPolicy {
	p, err := policy.Parse(c.Cache.Policy)
	if err != nil {
		return policy.Default
	}
	return p
}

// RetryOptions builds the executor retry policy.
func (c *Config) RetryOptions() fetch.RetryOptions {
	b := fetch.DefaultBackoff()
	if c.Retry.InitialBackoff > 0 {
		b.Initial = c.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff > 0 {
		b.Max = c.Retry.MaxBackoff
	}
	if c.Retry.Factor > 0 {
		b.Factor = c.Retry.Factor
	}
	b.Jitter = c.Retry.Jitter
	return fetch.RetryOptions{MaxRetries: c.Retry.MaxRetries, RetryIf: fetch.IsRetryable, Delay: b.Delay}
}
