package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cozyclaw/celest-relay/internal/queue"
	"github.com/cozyclaw/celest-relay/internal/relay"
)

// wsChannel adapts one WebSocket connection to the relay.Channel
// interface. Writes are serialized; gorilla connections allow only one
// concurrent writer.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsChannel) ID() string { return c.id }

// outFrame is the wire shape of every server-to-client event.
type outFrame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func (c *wsChannel) Send(ev relay.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(outFrame{
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// inFrame is the wire shape of every client-to-server event.
type inFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleWebSocket upgrades the connection and runs its read loop. The
// connection becomes the live channel for a "web:<id>" session; passing
// ?session=web:<id> resumes a disconnected session within its grace
// window.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := &wsChannel{id: uuid.NewString(), conn: conn}
	resume := r.URL.Query().Get("session")
	sessionID := s.router.RegisterChannel("web", ch, resume)

	_ = ch.Send(relay.Event{
		Type: "session:registered",
		Data: map[string]any{"sessionId": sessionID},
	})

	defer func() {
		s.router.Disconnect(ch)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "session", sessionID, "error", err)
			}
			return
		}
		var frame inFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Debug("dropping unparseable frame", "session", sessionID, "error", err)
			continue
		}
		s.dispatchFrame(ch, sessionID, frame)
	}
}

// dispatchFrame handles one client event.
func (s *Server) dispatchFrame(ch *wsChannel, sessionID string, frame inFrame) {
	switch frame.Type {
	case "user:message":
		s.handleUserMessage(ch, sessionID, frame.Data)
	case "agent:register":
		s.router.RegisterAgent(ch)
		_ = ch.Send(relay.Event{
			Type: "agent:registered",
			Data: map[string]any{
				"channel": ch.ID(),
				"pending": s.store.Stats().Pending,
			},
		})
	case "agent:response":
		s.handleAgentResponse(frame.Data)
	default:
		slog.Debug("ignoring unknown frame type", "type", frame.Type, "session", sessionID)
	}
}

// handleUserMessage enqueues one chat message from the session's UI.
// The client learns the outcome per message id, so a failed enqueue can
// be resubmitted.
func (s *Server) handleUserMessage(ch *wsChannel, sessionID string, data json.RawMessage) {
	var payload struct {
		Message    string          `json:"message"`
		ClientInfo json.RawMessage `json:"clientInfo"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = ch.Send(relay.Event{
			Type: "message:error",
			Data: map[string]any{"error": "malformed message payload"},
		})
		return
	}

	metadata := map[string]string{}
	if len(payload.ClientInfo) > 0 {
		metadata["clientInfo"] = string(payload.ClientInfo)
	}

	msg, err := s.router.RouteInbound(sessionID, payload.Message, metadata)
	if err != nil {
		slog.Error("failed to queue message", "session", sessionID, "error", err)
		_ = ch.Send(relay.Event{
			Type: "message:error",
			Data: map[string]any{"error": "failed to queue message", "messageId": msg.ID},
		})
		return
	}
	_ = ch.Send(relay.Event{
		Type: "message:queued",
		Data: map[string]any{"messageId": msg.ID, "status": "pending"},
	})
}

// handleAgentResponse accepts a direct response from the PrimaryAgent
// connection and routes it to the originating session.
func (s *Server) handleAgentResponse(data json.RawMessage) {
	var payload struct {
		SessionID string `json:"sessionId"`
		ReplyTo   string `json:"originalMessageId"`
		Response  struct {
			Text       string `json:"text"`
			Mood       string `json:"mood"`
			Initiative bool   `json:"initiative"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionID == "" {
		slog.Warn("dropping malformed agent response")
		return
	}

	meta := map[string]string{"mood": payload.Response.Mood}
	if payload.Response.Initiative {
		meta["initiative"] = "true"
	}
	if payload.ReplyTo != "" {
		meta["replyTo"] = payload.ReplyTo
	}
	if _, err := s.router.DeliverOutbound(payload.SessionID, queue.Response{
		Content:  payload.Response.Text,
		Metadata: meta,
	}); err != nil {
		slog.Error("failed to store agent response", "session", payload.SessionID, "error", err)
	}
}
