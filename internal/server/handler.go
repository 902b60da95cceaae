// Package server exposes the relay over HTTP: the OpenAI-compatible chat
// endpoint for callers, and the page and JSON API operators answer from.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/withmartian/ares/ares-relay/internal/archive"
	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
	"github.com/withmartian/ares/ares-relay/internal/stream"
)

// History lists archived exchanges.
type History interface {
	Recent(ctx context.Context, limit int) ([]archive.Exchange, error)
}

// Handler provides the relay's HTTP endpoints.
type Handler struct {
	registry    *relay.Registry
	ingestor    *relay.Ingestor
	emitter     *stream.Emitter
	history     History
	tracer      trace.Tracer
	modelLabel  string
	corsOrigins []string
}

// HandlerConfig configures the handler.
type HandlerConfig struct {
	// Registry holds in-flight requests (required).
	Registry *relay.Registry
	// Ingestor turns operator text into replies (required).
	Ingestor *relay.Ingestor
	// Emitter streams completions to callers that ask for it.
	// If nil, one with the default keep-alive is used.
	Emitter *stream.Emitter
	// History serves /history. If nil, the list is always empty.
	History History
	// Tracer records request spans. If nil, tracing is off.
	Tracer trace.Tracer
	// ModelLabel is advertised by /v1/models.
	ModelLabel string
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		registry:    cfg.Registry,
		ingestor:    cfg.Ingestor,
		emitter:     cfg.Emitter,
		history:     cfg.History,
		tracer:      cfg.Tracer,
		modelLabel:  cfg.ModelLabel,
		corsOrigins: cfg.CORSOrigins,
	}
	if h.emitter == nil {
		h.emitter = stream.NewEmitter(stream.DefaultKeepAlive)
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer("")
	}
	if h.modelLabel == "" {
		h.modelLabel = relay.ManualModel
	}
	return h
}

// Routes returns an http.Handler with all routes and middleware registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Caller side
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("GET /v1/models", h.Models)

	// Operator page
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /requests", h.Requests)
	mux.HandleFunc("POST /reply/{id}", h.Reply)

	// Operator JSON API
	mux.HandleFunc("GET /poll", h.Poll)
	mux.HandleFunc("POST /respond", h.Respond)
	mux.HandleFunc("GET /history", h.ListHistory)

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	// Everything else succeeds quietly
	mux.HandleFunc("/", h.NotFound)

	return chain(mux,
		loggingMiddleware,
		recoverMiddleware,
		corsMiddleware(h.corsOrigins),
	)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "Failed to encode JSON response", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an OpenAI-style error body.
func writeError(w http.ResponseWriter, status int, typ, code, message string) {
	writeJSON(w, status, relay.ErrorResponse{Error: relay.APIError{
		Message: message,
		Type:    typ,
		Code:    code,
	}})
}

// writeRelayError maps a relay error to its status and body.
func writeRelayError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), relay.ErrorResponse{Error: relay.AsAPIError(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int // Actual port after binding (useful when using :0)
}

// ServerConfig configures the server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string
	// Handler serves requests (required).
	Handler *Handler
	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration
}

// NewServer binds the listener and prepares the server.
// If Addr uses port 0 the OS assigns one; see Port.
func NewServer(cfg ServerConfig) (*Server, error) {
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 5 * time.Second
	}

	// Create listener first to get the actual port (important for :0)
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  cfg.Handler,
		port:     port,
		listener: listener,
		// No read/write timeouts: requests are held open until an operator replies.
		server: &http.Server{
			Handler:           cfg.Handler.Routes(),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

// Start serves until the server is stopped. It returns nil after Stop.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "Starting relay server", "addr", s.listener.Addr().String(), "port", s.port)
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "Stopping relay server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
