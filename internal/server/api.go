package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/withmartian/ares/ares-relay/internal/archive"
	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
)

// maxHistoryLimit caps /history page sizes.
const maxHistoryLimit = 500

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// Model is one entry of the /v1/models list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is returned by /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// StatusResponse acknowledges an operator action.
type StatusResponse struct {
	Status string `json:"status"`
}

// Poll handles GET /poll.
// Returns all unresolved requests. Unlike a queue, polling does not consume them.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListUnresolved())
}

// Respond handles POST /respond with a JSON {id, content} body.
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	var req relay.RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_field", "id is required")
		return
	}

	if _, err := h.ingestor.Submit(r.Context(), req.ID, req.Content); err != nil {
		writeRelayError(w, err)
		return
	}

	log.Info(log.CatRelay, "operator replied", "id", req.ID)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// ListHistory handles GET /history?limit=N.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := archive.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if h.history == nil {
		writeJSON(w, http.StatusOK, []archive.Exchange{})
		return
	}

	exchanges, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		log.ErrorErr(log.CatArchive, "Failed to read history", err)
		writeError(w, http.StatusInternalServerError, "server_error", "history_unavailable", "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, exchanges)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Pending: h.registry.Len(),
	})
}

var startedAt = time.Now().Unix()

// Models handles GET /v1/models. The relay advertises a single model.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelList{
		Object: "list",
		Data: []Model{{
			ID:      h.modelLabel,
			Object:  "model",
			Created: startedAt,
			OwnedBy: "ares-relay",
		}},
	})
}

// NotFound answers any unmatched route with 200 so probing clients don't fail.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Route not found, but returning 200"})
}
