package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

// handleSendMessage enqueues a message for non-WebSocket callers.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message   string            `json:"message"`
		SessionID string            `json:"sessionId"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Message == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}
	if payload.SessionID == "" {
		payload.SessionID = "api:default"
	}

	msg, err := s.router.RouteInbound(payload.SessionID, payload.Message, payload.Metadata)
	if err != nil {
		if errors.Is(err, queue.ErrEmptyContent) {
			writeError(w, http.StatusBadRequest, "message required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": msg.ID,
		"status":    "queued",
	})
}

// handleGetResponses is the poll fallback for clients without a live
// channel.
func (s *Server) handleGetResponses(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}

	resps, err := s.store.ReadOutboundSince(sessionID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resps == nil {
		resps = []queue.Response{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": sessionID,
		"responses": resps,
	})
}

// handleWebhook lets an external agent push responses over plain HTTP.
// Bodies are free-form JSON from foreign processes, so fields are
// extracted leniently instead of bound to a strict schema.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := gjson.GetBytes(body, "type").String()
	if kind == "" {
		kind = "message"
	}
	switch kind {
	case "message":
		sessionID := gjson.GetBytes(body, "data.sessionId").String()
		text := gjson.GetBytes(body, "data.text").String()
		if sessionID == "" || text == "" {
			writeError(w, http.StatusBadRequest, "data.sessionId and data.text required")
			return
		}
		meta := map[string]string{}
		if mood := gjson.GetBytes(body, "data.metadata.mood").String(); mood != "" {
			meta["mood"] = mood
		}
		if _, err := s.router.DeliverOutbound(sessionID, queue.Response{
			Content:  text,
			Metadata: meta,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "status":
		// Informational only.
	default:
		writeError(w, http.StatusBadRequest, "unknown webhook type")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStatus reports bridge and queue occupancy for operators.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "active",
		"agentConnected": s.router.AgentConnected(),
		"activeSessions": s.router.SessionCount(),
		"stats":          s.router.Snapshot(),
		"queue":          s.store.Stats(),
	})
}
