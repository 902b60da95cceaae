package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/withmartian/ares/ares-relay/internal/log"
)

// clearEnv blanks the legacy variables so the host environment can't leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "")
	t.Setenv("TIMEOUT_MINUTES", "")
}

func yamlViper(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return v
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	require.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	require.Equal(t, 30*time.Minute, cfg.Relay.RequestTimeout)
	require.Equal(t, 60*time.Second, cfg.Relay.KeepAliveInterval)
	require.Equal(t, 60*time.Second, cfg.Relay.SweepInterval)
	require.Zero(t, cfg.Relay.MaxPending)
	require.Equal(t, 10*time.Minute, cfg.Relay.Retention)
	require.Equal(t, "manual-relay", cfg.Relay.ModelLabel)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.False(t, cfg.Tracing.Enabled)
	require.Empty(t, cfg.Archive.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NilViper(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	v := yamlViper(t, `
server:
  addr: ":9090"
  cors_origins: ["https://ops.example.com"]
relay:
  request_timeout: 45s
  max_pending: 3
log:
  level: debug
  format: json
tracing:
  enabled: true
  exporter: none
archive:
  path: /tmp/exchanges.db
`)

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, []string{"https://ops.example.com"}, cfg.Server.CORSOrigins)
	require.Equal(t, 45*time.Second, cfg.Relay.RequestTimeout)
	require.Equal(t, 3, cfg.Relay.MaxPending)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.True(t, cfg.Tracing.Enabled)
	require.Equal(t, "none", cfg.Tracing.Exporter)
	require.Equal(t, "/tmp/exchanges.db", cfg.Archive.Path)

	// Untouched keys keep their defaults
	require.Equal(t, 60*time.Second, cfg.Relay.KeepAliveInterval)
	require.Equal(t, "ares-relay", cfg.Tracing.ServiceName)
}

func TestLoad_PrefixedEnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARES_RELAY_SERVER_ADDR", ":7000")
	t.Setenv("ARES_RELAY_RELAY_REQUEST_TIMEOUT", "2m")
	t.Setenv("ARES_RELAY_RELAY_MAX_PENDING", "9")
	t.Setenv("ARES_RELAY_TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("ARES_RELAY_ARCHIVE_PATH", "relay.db")
	t.Setenv("ARES_RELAY_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")

	v := yamlViper(t, "server:\n  addr: \":9090\"\n")

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Addr)
	require.Equal(t, 2*time.Minute, cfg.Relay.RequestTimeout)
	require.Equal(t, 9, cfg.Relay.MaxPending)
	require.Equal(t, 0.25, cfg.Tracing.SampleRate)
	require.Equal(t, "relay.db", cfg.Archive.Path)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoad_LegacyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("TIMEOUT_MINUTES", "5")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.Server.Addr)
	require.Equal(t, 5*time.Minute, cfg.Relay.RequestTimeout)
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("ARES_RELAY_SERVER_ADDR", "127.0.0.1:4000")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4000", cfg.Server.Addr)
}

func TestLoad_InvalidLegacyTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("TIMEOUT_MINUTES", "soon")

	_, err := Load(nil)
	require.ErrorContains(t, err, "TIMEOUT_MINUTES")
}

func TestLoad_ZeroLegacyTimeoutRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("TIMEOUT_MINUTES", "0")

	_, err := Load(nil)
	require.ErrorContains(t, err, "relay.request_timeout must be positive")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = " " }, "server.addr"},
		{"zero read header timeout", func(c *Config) { c.Server.ReadHeaderTimeout = 0 }, "server.read_header_timeout"},
		{"negative shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = -time.Second }, "server.shutdown_timeout"},
		{"zero request timeout", func(c *Config) { c.Relay.RequestTimeout = 0 }, "relay.request_timeout"},
		{"zero keepalive", func(c *Config) { c.Relay.KeepAliveInterval = 0 }, "relay.keepalive_interval"},
		{"zero sweep", func(c *Config) { c.Relay.SweepInterval = 0 }, "relay.sweep_interval"},
		{"negative retention", func(c *Config) { c.Relay.Retention = -time.Minute }, "relay.retention"},
		{"negative max pending", func(c *Config) { c.Relay.MaxPending = -1 }, "relay.max_pending"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidate_ZeroRetentionAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.Retention = 0
	require.NoError(t, cfg.Validate())
}

func TestLogOptions(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	opts := cfg.LogOptions()
	require.Equal(t, log.LevelWarn, opts.Level)
	require.Equal(t, "json", opts.Format)
	require.NotNil(t, opts.Writer)
}
