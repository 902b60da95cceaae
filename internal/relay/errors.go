package relay

import "errors"

var (
	// ErrNotFound is returned when a reply targets an unknown request id.
	ErrNotFound = errors.New("request not found")
	// ErrTimeout fails a request that got no operator reply before the deadline.
	ErrTimeout = errors.New("user never provided a response")
	// ErrCanceled fails a request whose caller went away before a reply.
	ErrCanceled = errors.New("caller disconnected")
	// ErrCapacity rejects registration when the pending limit is reached.
	ErrCapacity = errors.New("too many pending requests")
	// ErrShutdown fails requests still waiting when the relay stops.
	ErrShutdown = errors.New("relay shutting down")
)

// APIError is the OpenAI-style error object.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ErrorResponse wraps an APIError the way OpenAI clients expect it.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// AsAPIError classifies err into an OpenAI-style error object.
func AsAPIError(err error) APIError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return APIError{Message: msg, Type: "timeout_error", Code: "request_timeout"}
	case errors.Is(err, ErrCapacity):
		return APIError{Message: msg, Type: "rate_limit_error", Code: "relay_saturated"}
	case errors.Is(err, ErrCanceled):
		return APIError{Message: msg, Type: "request_canceled", Code: "client_disconnected"}
	case errors.Is(err, ErrShutdown):
		return APIError{Message: msg, Type: "server_error", Code: "relay_shutdown"}
	case errors.Is(err, ErrNotFound):
		return APIError{Message: msg, Type: "invalid_request_error", Code: "not_found"}
	default:
		return APIError{Message: msg, Type: "server_error", Code: "internal_error"}
	}
}
