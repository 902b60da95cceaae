package relay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/withmartian/ares/ares-relay/internal/log"
)

// Reaper periodically fails requests that have waited longer than the
// request timeout. It never resolves anything successfully.
type Reaper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	tracer   trace.Tracer

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewReaper creates a reaper. A nil tracer disables spans.
func NewReaper(registry *Registry, timeout, interval time.Duration, tracer trace.Tracer) *Reaper {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Reaper{
		registry: registry,
		timeout:  timeout,
		interval: interval,
		tracer:   tracer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs until ctx ends or Stop is called.
// Calling Start more than once has no effect.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	go r.loop(ctx)
	log.Info(log.CatReaper, "reaper started", "interval", r.interval, "timeout", r.timeout)
}

// Stop ends the sweep loop and waits for it to exit. It is safe to call
// multiple times and before Start.
func (r *Reaper) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
}

// Sweep runs a single expiry cycle as of now and returns how many requests
// were failed.
func (r *Reaper) Sweep(now time.Time) int {
	return r.sweep(context.Background(), now)
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(ctx, now)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context, now time.Time) int {
	_, span := r.tracer.Start(ctx, "relay.sweep")
	defer span.End()

	expired := r.registry.ExpireOlderThan(now.Add(-r.timeout))
	span.SetAttributes(attribute.Int("relay.expired", len(expired)))

	for _, id := range expired {
		log.Info(log.CatReaper, "request timed out", "id", id, "timeout", r.timeout)
	}
	return len(expired)
}
