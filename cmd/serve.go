package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/withmartian/ares/ares-relay/internal/archive"
	"github.com/withmartian/ares/ares-relay/internal/config"
	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
	"github.com/withmartian/ares/ares-relay/internal/server"
	"github.com/withmartian/ares/ares-relay/internal/stream"
	"github.com/withmartian/ares/ares-relay/internal/tracing"
)

// archiveWriteTimeout bounds each archive insert made from the settle hook.
const archiveWriteTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the relay HTTP server.

Callers send chat completions to /v1/chat/completions. Operators answer them
from the page at / or through the JSON API (/poll and /respond).

Example:
  ares-relay serve                          # listen on :8080
  ares-relay serve --addr 127.0.0.1:9000    # explicit address
  ares-relay serve --timeout 5m --archive relay.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(cfg.LogOptions())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, nil)
}

// serve wires the relay together and blocks until ctx is done or the
// listener fails. ready, if set, receives the bound port once listening.
func serve(ctx context.Context, cfg config.Config, ready func(port int)) error {
	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatTrace, "Failed to flush traces", err)
		}
	}()
	tracer := provider.Tracer()

	registryCfg := relay.RegistryConfig{
		MaxPending: cfg.Relay.MaxPending,
		Retention:  cfg.Relay.Retention,
	}
	var history server.History
	if cfg.Archive.Path != "" {
		store, err := archive.Open(ctx, cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.ErrorErr(log.CatArchive, "Failed to close archive", err)
			}
		}()
		history = store
		registryCfg.OnSettle = store.OnSettle(archiveWriteTimeout)
		log.Info(log.CatArchive, "archiving exchanges", "path", cfg.Archive.Path)
	}

	registry := relay.NewRegistry(registryCfg)
	reaper := relay.NewReaper(registry, cfg.Relay.RequestTimeout, cfg.Relay.SweepInterval, tracer)
	ingestor := relay.NewIngestor(registry, cfg.Relay.ModelLabel, tracer)

	handler := server.NewHandler(server.HandlerConfig{
		Registry:    registry,
		Ingestor:    ingestor,
		Emitter:     stream.NewEmitter(cfg.Relay.KeepAliveInterval),
		History:     history,
		Tracer:      tracer,
		ModelLabel:  cfg.Relay.ModelLabel,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	srv, err := server.NewServer(server.ServerConfig{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})
	if err != nil {
		return err
	}
	log.Info(log.CatConfig, "relay configured",
		"addr", cfg.Server.Addr,
		"timeout", cfg.Relay.RequestTimeout,
		"keepalive", cfg.Relay.KeepAliveInterval,
		"max_pending", cfg.Relay.MaxPending,
		"tracing", provider.Enabled())

	g, gctx := errgroup.WithContext(ctx)
	reaper.Start(gctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		reaper.Stop()

		// Held requests would otherwise keep Shutdown waiting.
		if drained := registry.Drain(relay.ErrShutdown); len(drained) > 0 {
			log.Info(log.CatRelay, "released pending requests", "count", len(drained))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stopping server: %w", err)
		}
		return nil
	})

	if ready != nil {
		ready(srv.Port())
	}
	return g.Wait()
}
