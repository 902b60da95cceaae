package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	sse "github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
)

// ChatCompletions handles POST /v1/chat/completions.
// The request is held until an operator replies, it times out, or the caller
// goes away.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "read_failed", "failed to read request body")
		return
	}
	if !relay.ValidJSON(body) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body is not valid JSON")
		return
	}

	// Join the caller's trace when it sends a traceparent header.
	parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(parent, "relay.chat_completion", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id, c, err := h.registry.Register(json.RawMessage(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn(log.CatHTTP, "request rejected", "error", err)
		writeRelayError(w, err)
		return
	}

	streaming := relay.WantsStream(body)
	span.SetAttributes(
		attribute.String("relay.request.id", id),
		attribute.Bool("relay.stream", streaming),
	)
	log.Info(log.CatRelay, "request waiting for operator", "id", id, "stream", streaming)

	if streaming {
		h.streamCompletion(ctx, w, r, span, id, c)
		return
	}

	result, err := c.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.abandon(id)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) streamCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, id string, c *relay.Completion) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		h.abandon(id)
		writeError(w, http.StatusInternalServerError, "server_error", "streaming_unsupported", "streaming is not supported")
		return
	}

	// Content-Type is set by the session on the first frame.
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	err = h.emitter.Stream(ctx, sess, c)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		h.abandon(id)
	case errors.Is(err, relay.ErrTimeout), errors.Is(err, relay.ErrCanceled), errors.Is(err, relay.ErrShutdown):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		// Write failures mean the caller is unreachable.
		log.Debug(log.CatStream, "stream write failed", "id", id, "error", err)
		h.abandon(id)
	}
}

// abandon fails a request whose caller is gone so it leaves the pending list.
func (h *Handler) abandon(id string) {
	if failed, _ := h.registry.Fail(id, relay.ErrCanceled); failed {
		log.Debug(log.CatHTTP, "caller disconnected", "id", id)
	}
}
