package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.False(t, cfg.Enabled, "tracing should be disabled by default")
	require.Equal(t, "stdout", cfg.Exporter)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.Equal(t, "ares-relay", cfg.ServiceName)
}

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, provider.Enabled())

	// Creating spans should not panic
	ctx, span := provider.Tracer().Start(context.Background(), "test-span")
	require.NotNil(t, ctx)
	require.False(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_Stdout(t *testing.T) {
	var buf bytes.Buffer
	provider, err := NewProvider(context.Background(), Config{
		Enabled:     true,
		Exporter:    ExporterStdout,
		SampleRate:  1.0,
		ServiceName: "test-service",
		Writer:      &buf,
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "relay.chat_completion")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	// Shutdown flushes the batcher
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Contains(t, buf.String(), "relay.chat_completion")
	require.Contains(t, buf.String(), "test-service")
}

func TestNewProvider_NoneExporter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "span")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_OTLPExporters(t *testing.T) {
	// Exporters connect lazily, so construction succeeds without a collector.
	for _, exporter := range []string{ExporterOTLP, ExporterOTLPHTTP} {
		provider, err := NewProvider(context.Background(), Config{
			Enabled:      true,
			Exporter:     exporter,
			OTLPEndpoint: "127.0.0.1:1",
		})
		require.NoError(t, err, exporter)
		require.True(t, provider.Enabled())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = provider.Shutdown(ctx)
	}
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, Exporter: "zipkin"})
	require.ErrorContains(t, err, "unsupported exporter type: zipkin")
}
