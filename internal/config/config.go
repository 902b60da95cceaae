// Package config provides configuration types and defaults for ares-relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
	"github.com/withmartian/ares/ares-relay/internal/stream"
	"github.com/withmartian/ares/ares-relay/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. ARES_RELAY_SERVER_ADDR.
const EnvPrefix = "ARES_RELAY_"

// Config holds all configuration options for ares-relay.
type Config struct {
	Server  ServerConfig   `mapstructure:"server" yaml:"server" envPrefix:"SERVER_"`
	Relay   RelayConfig    `mapstructure:"relay" yaml:"relay" envPrefix:"RELAY_"`
	Log     LogConfig      `mapstructure:"log" yaml:"log" envPrefix:"LOG_"`
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing" envPrefix:"TRACING_"`
	Archive ArchiveConfig  `mapstructure:"archive" yaml:"archive" envPrefix:"ARCHIVE_"`
}

// ServerConfig holds HTTP listener options.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" env:"ADDR"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORSOrigins is "*" or an explicit allow-list.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// RelayConfig holds options for holding and settling requests.
type RelayConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	MaxPending        int           `mapstructure:"max_pending" yaml:"max_pending" env:"MAX_PENDING"` // 0 = unlimited
	Retention         time.Duration `mapstructure:"retention" yaml:"retention" env:"RETENTION"`       // 0 disables late-reply acks
	ModelLabel        string        `mapstructure:"model_label" yaml:"model_label" env:"MODEL_LABEL"`
}

// LogConfig holds logger options.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" env:"LEVEL"`
	Format string `mapstructure:"format" yaml:"format" env:"FORMAT"` // "text" or "json"
}

// ArchiveConfig holds the exchange archive options.
type ArchiveConfig struct {
	// Path to the SQLite database. Empty disables archiving.
	Path string `mapstructure:"path" yaml:"path" env:"PATH"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"*"},
		},
		Relay: RelayConfig{
			RequestTimeout:    30 * time.Minute,
			KeepAliveInterval: stream.DefaultKeepAlive,
			SweepInterval:     60 * time.Second,
			MaxPending:        0,
			Retention:         relay.DefaultRetention,
			ModelLabel:        relay.ManualModel,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// SetDefaults registers every default with v so that config files only
// need to name the keys they change.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("relay.request_timeout", d.Relay.RequestTimeout)
	v.SetDefault("relay.keepalive_interval", d.Relay.KeepAliveInterval)
	v.SetDefault("relay.sweep_interval", d.Relay.SweepInterval)
	v.SetDefault("relay.max_pending", d.Relay.MaxPending)
	v.SetDefault("relay.retention", d.Relay.Retention)
	v.SetDefault("relay.model_label", d.Relay.ModelLabel)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("archive.path", d.Archive.Path)
}

// Load builds the effective configuration: defaults, then whatever v has
// read (config file), then the legacy PORT and TIMEOUT_MINUTES variables,
// then ARES_RELAY_* variables. The result is validated.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if v != nil {
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := applyLegacyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if v != nil && v.ConfigFileUsed() != "" {
		log.Debug(log.CatConfig, "Loaded config file", "path", v.ConfigFileUsed())
	}
	return cfg, nil
}

// applyLegacyEnv honours the unprefixed PORT and TIMEOUT_MINUTES variables.
func applyLegacyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if port, ok := lookup("PORT"); ok && port != "" {
		cfg.Server.Addr = ":" + port
	}
	if raw, ok := lookup("TIMEOUT_MINUTES"); ok && raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("TIMEOUT_MINUTES: %w", err)
		}
		cfg.Relay.RequestTimeout = time.Duration(minutes) * time.Minute
	}
	return nil
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr must not be empty")
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"server.read_header_timeout", c.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"relay.request_timeout", c.Relay.RequestTimeout},
		{"relay.keepalive_interval", c.Relay.KeepAliveInterval},
		{"relay.sweep_interval", c.Relay.SweepInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}
	if c.Relay.Retention < 0 {
		return fmt.Errorf("relay.retention must not be negative, got %s", c.Relay.Retention)
	}
	if c.Relay.MaxPending < 0 {
		return fmt.Errorf("relay.max_pending must not be negative, got %d", c.Relay.MaxPending)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Tracing.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterOTLP, tracing.ExporterOTLPHTTP:
	default:
		return fmt.Errorf("tracing.exporter %q is not one of none, stdout, otlp, otlphttp", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate)
	}
	return nil
}

// LogOptions converts the log section into logger options.
func (c Config) LogOptions() log.Options {
	level, _ := log.ParseLevel(c.Log.Level)
	return log.Options{Writer: os.Stderr, Level: level, Format: c.Log.Format}
}
