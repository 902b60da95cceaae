// Package stream delivers a pending completion to a caller as a server-sent
// event stream, keeping the connection alive while the operator types.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
)

// DefaultKeepAlive is the interval between keep-alive comments.
const DefaultKeepAlive = 60 * time.Second

// DoneSentinel terminates a successful stream.
const DoneSentinel = "[DONE]"

// State is the emitter's position in a stream.
type State int

const (
	StateConnecting State = iota
	StateWaiting
	StateDelivering
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateDelivering:
		return "delivering"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Emitter writes a completion as event-stream frames:
//
//	: connected
//	: keep-alive            (every interval while waiting)
//	data: {chunk}
//	data: [DONE]
//
// A failed completion produces a single error frame instead of the chunk and
// sentinel.
type Emitter struct {
	keepAlive time.Duration
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewEmitter creates an emitter. A non-positive interval uses DefaultKeepAlive.
func NewEmitter(keepAlive time.Duration) *Emitter {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Emitter{keepAlive: keepAlive, newTicker: realTicker}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Stream drives c to the client through w until the completion settles or ctx
// ends. It returns ctx.Err() when the client goes away, the completion's
// error when it failed, or any write error.
func (e *Emitter) Stream(ctx context.Context, w sse.MessageWriter, c *relay.Completion) error {
	ticks, stop := e.newTicker(e.keepAlive)
	defer stop()

	state := StateConnecting
	for {
		switch state {
		case StateConnecting:
			if err := sendComment(w, "connected"); err != nil {
				return err
			}
			state = StateWaiting

		case StateWaiting:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.Done():
				state = StateDelivering
			case <-ticks:
				log.Debug(log.CatStream, "sending keep-alive")
				if err := sendComment(w, "keep-alive"); err != nil {
					return err
				}
			}

		case StateDelivering:
			result, err := c.Result()
			if err != nil {
				if werr := sendJSON(w, relay.ErrorResponse{Error: relay.AsAPIError(err)}); werr != nil {
					return werr
				}
				return err
			}
			if err := sendJSON(w, relay.ChunkFrom(result)); err != nil {
				return err
			}
			state = StateTerminated

		case StateTerminated:
			return sendData(w, DoneSentinel)
		}
	}
}

func sendComment(w sse.MessageWriter, text string) error {
	m := &sse.Message{}
	m.AppendComment(text)
	return send(w, m)
}

func sendData(w sse.MessageWriter, data string) error {
	m := &sse.Message{}
	m.AppendData(data)
	return send(w, m)
}

func sendJSON(w sse.MessageWriter, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return sendData(w, string(bytes.TrimRight(buf.Bytes(), "\n")))
}

func send(w sse.MessageWriter, m *sse.Message) error {
	if err := w.Send(m); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
