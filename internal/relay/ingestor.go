package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/withmartian/ares/ares-relay/internal/log"
)

// Ingestor turns operator text into a completion envelope and hands it to
// the registry.
type Ingestor struct {
	registry *Registry
	model    string
	tracer   trace.Tracer
	now      func() time.Time
}

// NewIngestor creates an ingestor stamping replies with model. An empty model
// falls back to ManualModel and a nil tracer disables spans.
func NewIngestor(registry *Registry, model string, tracer trace.Tracer) *Ingestor {
	if model == "" {
		model = ManualModel
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Ingestor{
		registry: registry,
		model:    model,
		tracer:   tracer,
		now:      time.Now,
	}
}

// Envelope builds the non-streaming completion for a reply to request id.
func (in *Ingestor) Envelope(id, text string) *ChatCompletion {
	return &ChatCompletion{
		ID:      "manual-" + id,
		Object:  ObjectCompletion,
		Created: in.now().Unix(),
		Model:   in.model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: Usage{},
	}
}

// Submit resolves request id with text. It returns ErrNotFound for unknown
// ids, and false with no error when the request had already been settled.
func (in *Ingestor) Submit(ctx context.Context, id, text string) (bool, error) {
	_, span := in.tracer.Start(ctx, "relay.reply",
		trace.WithAttributes(attribute.String("relay.request.id", id)))
	defer span.End()

	delivered, err := in.registry.Resolve(id, in.Envelope(id, text))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !delivered {
		log.Warn(log.CatRelay, "reply arrived after request settled", "id", id)
	}
	span.SetAttributes(attribute.Bool("relay.delivered", delivered))
	return delivered, nil
}
