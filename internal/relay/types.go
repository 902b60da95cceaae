package relay

import (
	"encoding/json"
	"time"
)

// ManualModel is the model label stamped on every operator-authored reply.
const ManualModel = "manual-relay"

// Object types used by the chat completion wire format.
const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"
)

// State is the lifecycle position of a pending request.
type State int

const (
	StatePending State = iota
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingRequest is a snapshot of a request held by the registry.
// This is what gets returned from listings and the /poll endpoint.
type PendingRequest struct {
	ID        string          `json:"id"`
	Request   json.RawMessage `json:"request"` // The raw JSON blob from the client
	Text      string          `json:"text"`
	Model     string          `json:"model,omitempty"`
	Stream    bool            `json:"stream"`
	Timestamp time.Time       `json:"timestamp"`

	State     State           `json:"-"`
	Err       error           `json:"-"`
	Result    *ChatCompletion `json:"-"`
	SettledAt time.Time       `json:"-"`
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletion is the result envelope for both delivery modes.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the first choice's message content.
func (c *ChatCompletion) Content() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token accounting. Manual replies always report zeros.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is a single streamed delta.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta. FinishReason is serialized as null while nil.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChunkFrom builds the single delta chunk that carries a resolved envelope's
// content on an event stream.
func ChunkFrom(c *ChatCompletion) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      c.ID,
		Object:  ObjectChunk,
		Created: c.Created,
		Model:   c.Model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: Message{Role: "assistant", Content: c.Content()},
		}},
	}
}

// RespondRequest is sent to the /respond endpoint.
type RespondRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"` // The operator's reply text
}
