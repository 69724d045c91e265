// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads process configuration from an optional YAML file and
// VGI_VECTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VGI_VECTOR_SERVER_ADDRESS.
const EnvPrefix = "VGI_VECTOR"

// Config is the complete process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig configures vector-server.
type ServerConfig struct {
	Address     string `mapstructure:"address" yaml:"address"`
	HTTPAddress string `mapstructure:"http_address" yaml:"http_address"` // empty disables HTTP
	ServerID    string `mapstructure:"server_id" yaml:"server_id"`       // empty: random
	DebugErrors bool   `mapstructure:"debug_errors" yaml:"debug_errors"`
}

// ClientConfig configures the vector service client.
type ClientConfig struct {
	Address        string        `mapstructure:"address" yaml:"address"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	Retry          RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig configures transport retries.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// RuntimeConfig sizes the shared worker pool used by the SQL extension.
type RuntimeConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter       string  `mapstructure:"exporter" yaml:"exporter"` // stdout, otlp, zipkin
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
}

// MetricsConfig configures the metrics pipeline
type MetricsConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter          string `mapstructure:"exporter" yaml:"exporter"` // stdout, prometheus
	PrometheusAddress string `mapstructure:"prometheus_address" yaml:"prometheus_address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address: "127.0.0.1:50051",
		},
		Client: ClientConfig{
			Address:        "127.0.0.1:50051",
			ConnectTimeout: time.Second,
			Retry: RetryConfig{
				MaxAttempts:    1,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
			},
		},
		Runtime: RuntimeConfig{Workers: 1},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:       "stdout",
			OTLPEndpoint:   "localhost:4318",
			ZipkinEndpoint: "http://localhost:9411/api/v2/spans",
			SampleRate:     1.0,
			ServiceName:    "vgi-vector",
		},
		Metrics: MetricsConfig{
			Exporter:          "stdout",
			PrometheusAddress: "127.0.0.1:9464",
		},
	}
}

// setDefaults registers every key so that environment overrides apply even
// when no file mentions the key.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.http_address", d.Server.HTTPAddress)
	v.SetDefault("server.server_id", d.Server.ServerID)
	v.SetDefault("server.debug_errors", d.Server.DebugErrors)

	v.SetDefault("client.address", d.Client.Address)
	v.SetDefault("client.connect_timeout", d.Client.ConnectTimeout)
	v.SetDefault("client.retry.max_attempts", d.Client.Retry.MaxAttempts)
	v.SetDefault("client.retry.initial_backoff", d.Client.Retry.InitialBackoff)
	v.SetDefault("client.retry.max_backoff", d.Client.Retry.MaxBackoff)

	v.SetDefault("runtime.workers", d.Runtime.Workers)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", d.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.exporter", d.Metrics.Exporter)
	v.SetDefault("metrics.prometheus_address", d.Metrics.PrometheusAddress)
}

// NewViper returns a viper instance with defaults and environment binding in
// place. Callers may bind command-line flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load on a fresh NewViper.
func LoadFile(path string) (Config, error) {
	return Load(NewViper(), path)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address must not be empty"))
	}
	if c.Client.Address == "" {
		errs = append(errs, errors.New("client.address must not be empty"))
	}
	if c.Client.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("client.connect_timeout must be positive"))
	}
	if c.Client.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("client.retry.max_attempts must be at least 1"))
	}
	if c.Runtime.Workers < 1 {
		errs = append(errs, errors.New("runtime.workers must be at least 1"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or text", c.Logging.Format))
	}
	switch c.Tracing.Exporter {
	case "stdout", "otlp", "zipkin":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q: want stdout, otlp or zipkin", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v: want 0.0 to 1.0", c.Tracing.SampleRate))
	}
	switch c.Metrics.Exporter {
	case "stdout", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("metrics.exporter %q: want stdout or prometheus", c.Metrics.Exporter))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration as a YAML document.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
