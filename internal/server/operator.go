package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"

	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
)

const (
	emptyListMessage = "No pending calls."
	sentMessage      = "✓ sent!"
)

const indexHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>ares relay</title>
  <script src="https://unpkg.com/htmx.org@1.9.12"></script>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
  <style>textarea{width:100%;height:6rem}</style>
</head>
<body class="container">
<h2>Pending API requests</h2>
<button id="refresh" hx-get="/requests" hx-target="#list" hx-swap="innerHTML">Refresh</button>
<div id="list" hx-get="/requests" hx-trigger="load" hx-swap="innerHTML"></div>
</body>
</html>
`

// indexPage is the operator's landing page; the list loads via htmx.
func indexPage() templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, indexHTML)
		return err
	})
}

// pendingList renders one card per unresolved request with a reply form.
func pendingList(requests []relay.PendingRequest) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if len(requests) == 0 {
			_, err := io.WriteString(w, "<p>"+emptyListMessage+"</p>")
			return err
		}

		var b strings.Builder
		for _, req := range requests {
			id := templ.EscapeString(req.ID)
			fmt.Fprintf(&b, `
<article>
  <header><strong>%s</strong></header>
  <textarea readonly>%s</textarea>
  <button type="button" onclick="navigator.clipboard.writeText(this.previousElementSibling.value)">Copy&nbsp;Text</button>
  <form hx-post="/reply/%s" hx-swap="outerHTML">
    <textarea name="assistant" placeholder="Paste the model's answer here…" onkeydown="if((event.metaKey||event.ctrlKey)&&event.key==='Enter'){event.preventDefault();htmx.trigger(this.form,'submit');}"></textarea>
    <button type="button" onclick="navigator.clipboard.readText().then(text => this.form.assistant.value = text)">Paste from Clipboard</button>
    <button type="submit">Send back (⌘ + Enter)</button>
  </form>
</article>
`, id, templ.EscapeString(req.Text), id)
		}
		_, err := io.WriteString(w, b.String())
		return err
	})
}

// sentNotice replaces a reply form once the reply is accepted.
func sentNotice() templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, sentMessage)
		return err
	})
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	templ.Handler(indexPage()).ServeHTTP(w, r)
}

// Requests handles GET /requests, the htmx fragment of pending requests.
func (h *Handler) Requests(w http.ResponseWriter, r *http.Request) {
	templ.Handler(pendingList(h.registry.ListUnresolved())).ServeHTTP(w, r)
}

// Reply handles POST /reply/{id} with the operator's text in the
// "assistant" form field.
func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_form", "failed to parse form")
		return
	}
	if _, ok := r.PostForm["assistant"]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_field", "form field assistant is required")
		return
	}

	if _, err := h.ingestor.Submit(r.Context(), id, r.PostForm.Get("assistant")); err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": relay.ErrNotFound.Error()})
			return
		}
		log.ErrorErr(log.CatHTTP, "Failed to submit reply", err, "id", id)
		writeRelayError(w, err)
		return
	}

	log.Info(log.CatRelay, "operator replied", "id", id)
	templ.Handler(sentNotice()).ServeHTTP(w, r)
}
