// Package server exposes the relay over HTTP and WebSocket: a realtime
// endpoint for browser sessions and the agent, a small REST surface for
// non-interactive callers, and a status endpoint for operators.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/cozyclaw/celest-relay/internal/queue"
	"github.com/cozyclaw/celest-relay/internal/relay"
)

// Server wires the relay router and queue store to HTTP handlers.
type Server struct {
	store    *queue.Store
	router   *relay.Router
	upgrader websocket.Upgrader
}

// New creates a Server over the given store and router.
func New(store *queue.Store, router *relay.Router) *Server {
	return &Server{
		store:  store,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local companion UI; same trust boundary as the process.
				return true
			},
		},
	}
}

// Handler builds the HTTP route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Route("/api", func(api chi.Router) {
		api.Post("/messages", s.handleSendMessage)
		api.Get("/responses", s.handleGetResponses)
		api.Post("/webhook", s.handleWebhook)
		api.Get("/status", s.handleStatus)
	})
	return r
}

// writeJSON sends a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
