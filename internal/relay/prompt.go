package relay

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ValidJSON reports whether body is a well-formed JSON document.
func ValidJSON(body []byte) bool {
	return gjson.ValidBytes(body)
}

// WantsStream reports whether the caller asked for an event stream.
func WantsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// RequestedModel returns the model the caller asked for, if any.
func RequestedModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// PromptText returns the newline-joined content of every message in the
// request. Content may be a plain string or a list of typed parts, in which
// case the text parts are used. Bodies without a messages array fall back to
// the raw JSON text.
func PromptText(body []byte) string {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return strings.TrimSpace(string(body))
	}

	var lines []string
	messages.ForEach(func(_, m gjson.Result) bool {
		if !m.IsObject() {
			return true
		}
		lines = append(lines, contentText(m.Get("content")))
		return true
	})
	return strings.Join(lines, "\n")
}

func contentText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Type == gjson.String {
				parts = append(parts, text.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
