package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

// DefaultDeliveryInterval is the per-session outbound poll cadence.
const DefaultDeliveryInterval = 500 * time.Millisecond

type sessionState int

const (
	// stateLive: a channel is attached, direct push is possible.
	stateLive sessionState = iota
	// stateGrace: the channel closed; the record is retained so a
	// reconnect with the same composite id resumes continuity. Outbound
	// responses keep buffering to the durable log.
	stateGrace
)

// session is the router's record for one composite session id.
type session struct {
	id string

	mu           sync.Mutex
	state        sessionState
	channel      Channel
	lastActivity time.Time
	graceSince   time.Time
	lastPoll     time.Time
	delivered    *deliveredSet
	cancelLoop   context.CancelFunc
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Counters are the bridge's running totals, reported by the status
// endpoint.
type Counters struct {
	MessagesReceived   atomic.Int64
	ResponsesDelivered atomic.Int64
	Errors             atomic.Int64
}

// CounterSnapshot is the JSON shape of Counters.
type CounterSnapshot struct {
	MessagesReceived   int64 `json:"messagesReceived"`
	ResponsesDelivered int64 `json:"responsesDelivered"`
	Errors             int64 `json:"errors"`
}

// Router maps composite session ids to live delivery channels, falling
// back to durable storage when no channel is attached. It also tracks
// the single PrimaryAgent channel used for low-latency inbound pushes.
type Router struct {
	store        *queue.Store
	pollInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	agent    Channel

	counters Counters
}

// NewRouter creates a router over store. pollInterval <= 0 uses
// DefaultDeliveryInterval.
func NewRouter(store *queue.Store, pollInterval time.Duration) *Router {
	if pollInterval <= 0 {
		pollInterval = DefaultDeliveryInterval
	}
	return &Router{
		store:        store,
		pollInterval: pollInterval,
		sessions:     make(map[string]*session),
	}
}

// RegisterChannel attaches ch as the live channel for a session and
// returns the composite session id. With resume empty the id is derived
// as "<transport>:<channel id>"; a non-empty resume reattaches (or
// recreates) the named session so a reconnecting client keeps its
// response stream. A superseded channel's delivered set is discarded.
func (r *Router) RegisterChannel(transport string, ch Channel, resume string) string {
	id := resume
	if id == "" {
		id = fmt.Sprintf("%s:%s", transport, ch.ID())
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{id: id, lastPoll: time.Now()}
		r.sessions[id] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	if s.cancelLoop != nil {
		s.cancelLoop()
		s.cancelLoop = nil
	}
	s.state = stateLive
	s.channel = ch
	s.lastActivity = time.Now()
	// Fresh channel instance, fresh dedup scope.
	s.delivered = newDeliveredSet(deliveredCap)
	s.mu.Unlock()

	r.startDeliveryLoop(s, ch)
	slog.Info("session live", "session", id, "resumed", resume != "")
	return id
}

// Disconnect reports that ch closed. The owning session moves to its
// grace period; if ch was the PrimaryAgent the reference is cleared.
// A channel that was already superseded is ignored.
func (r *Router) Disconnect(ch Channel) {
	r.mu.Lock()
	if r.agent == ch {
		r.agent = nil
		slog.Info("primary agent disconnected")
	}
	var owner *session
	for _, s := range r.sessions {
		s.mu.Lock()
		match := s.channel == ch
		s.mu.Unlock()
		if match {
			owner = s
			break
		}
	}
	r.mu.Unlock()

	if owner == nil {
		return
	}
	owner.mu.Lock()
	owner.channel = nil
	owner.state = stateGrace
	owner.graceSince = time.Now()
	if owner.cancelLoop != nil {
		owner.cancelLoop()
		owner.cancelLoop = nil
	}
	owner.mu.Unlock()
	slog.Info("session entered grace period", "session", owner.id)
}

// RegisterAgent records ch as the PrimaryAgent channel. Registering a
// new one supersedes the previous reference without touching user
// sessions.
func (r *Router) RegisterAgent(ch Channel) {
	r.mu.Lock()
	prev := r.agent
	r.agent = ch
	r.mu.Unlock()
	if prev != nil {
		slog.Info("primary agent superseded", "old", prev.ID(), "new", ch.ID())
	} else {
		slog.Info("primary agent registered", "channel", ch.ID())
	}
}

// AgentConnected reports whether a PrimaryAgent channel is registered.
func (r *Router) AgentConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent != nil
}

// RouteInbound durably enqueues a user message and, when a PrimaryAgent
// channel is registered, additionally pushes it directly for latency.
// The direct push is best-effort; the durable enqueue alone is the
// correctness path.
func (r *Router) RouteInbound(sessionID, content string, metadata map[string]string) (queue.Message, error) {
	if s := r.lookup(sessionID); s != nil {
		s.touch()
	} else {
		r.trackDurableOnly(sessionID)
	}

	msg, err := r.store.Enqueue(queue.Message{
		SessionID: sessionID,
		Content:   content,
		Metadata:  metadata,
	})
	if err != nil {
		r.counters.Errors.Add(1)
		// msg carries the assigned id even on failure, so the caller can
		// tell the client which message to resubmit.
		return msg, err
	}
	r.counters.MessagesReceived.Add(1)

	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()
	if agent != nil {
		ev := Event{
			Type: "relay:message",
			Data: map[string]any{
				"id":        msg.ID,
				"sessionId": msg.SessionID,
				"content":   msg.Content,
				"timestamp": msg.Timestamp.Format(time.RFC3339),
				"metadata":  msg.Metadata,
			},
		}
		if err := agent.Send(ev); err != nil {
			slog.Debug("direct push to agent failed, queued copy stands", "id", msg.ID, "error", err)
		}
	}
	return msg, nil
}

// trackDurableOnly records a session that has traffic but no channel
// (HTTP-only callers), so its activity is visible to the reaper.
func (r *Router) trackDurableOnly(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return
	}
	r.sessions[sessionID] = &session{
		id:         sessionID,
		state:      stateGrace,
		graceSince: time.Now(),
		lastPoll:   time.Now(),
	}
}

// DeliverOutbound persists one agent response to the session's durable
// log and, when the session is live, pushes it directly. Direct push
// and durable append are not mutually exclusive; the delivery loop's
// delivered set suppresses the duplicate.
func (r *Router) DeliverOutbound(sessionID string, resp queue.Response) (queue.Response, error) {
	stored, err := r.store.AppendOutbound(sessionID, resp)
	if err != nil {
		r.counters.Errors.Add(1)
		return queue.Response{}, err
	}

	s := r.lookup(sessionID)
	if s == nil {
		return stored, nil
	}
	s.touch()

	s.mu.Lock()
	ch := s.channel
	live := s.state == stateLive && ch != nil
	claimed := live && s.delivered.claim(stored.ID)
	s.mu.Unlock()
	if !live {
		return stored, nil
	}
	if !claimed {
		// The delivery loop already read the appended record and pushed it.
		return stored, nil
	}

	if err := ch.Send(responseEvent(stored)); err != nil {
		// Channel raced a disconnect; release the claim so the delivery
		// loop or a reconnect picks the response up from the log.
		s.mu.Lock()
		s.delivered.remove(stored.ID)
		s.mu.Unlock()
		slog.Debug("direct push failed", "session", sessionID, "id", stored.ID, "error", err)
		return stored, nil
	}
	r.counters.ResponsesDelivered.Add(1)
	return stored, nil
}

// responseEvent converts a stored response to its push frame.
func responseEvent(resp queue.Response) Event {
	return AgentMessageEvent(
		resp.Content,
		resp.Metadata["mood"],
		resp.Metadata["initiative"] == "true",
		resp.Timestamp,
	)
}

// lookup returns the tracked session or nil.
func (r *Router) lookup(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// SessionCount returns the number of tracked sessions (live and grace).
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current counter values.
func (r *Router) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		MessagesReceived:   r.counters.MessagesReceived.Load(),
		ResponsesDelivered: r.counters.ResponsesDelivered.Load(),
		Errors:             r.counters.Errors.Load(),
	}
}

// reap applies the two timeout tiers: live sessions idle past
// idleTimeout drop their channel and enter the grace period, and grace
// sessions older than graceWindow are destroyed. Responses for a
// destroyed session stay in the durable log until TTL cleanup.
func (r *Router) reap(idleTimeout, graceWindow time.Duration) {
	now := time.Now()

	r.mu.Lock()
	tracked := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		tracked = append(tracked, s)
	}
	r.mu.Unlock()

	var destroyed []string
	for _, s := range tracked {
		s.mu.Lock()
		switch s.state {
		case stateLive:
			if now.Sub(s.lastActivity) > idleTimeout {
				s.state = stateGrace
				s.graceSince = now
				s.channel = nil
				if s.cancelLoop != nil {
					s.cancelLoop()
					s.cancelLoop = nil
				}
				slog.Info("idle session moved to grace period", "session", s.id)
			}
		case stateGrace:
			if now.Sub(s.graceSince) > graceWindow {
				destroyed = append(destroyed, s.id)
			}
		}
		s.mu.Unlock()
	}

	if len(destroyed) > 0 {
		r.mu.Lock()
		for _, id := range destroyed {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		for _, id := range destroyed {
			slog.Info("stale session destroyed", "session", id)
		}
	}
}

// Shutdown cancels every delivery loop. Used on process exit and in
// tests.
func (r *Router) Shutdown() {
	r.mu.Lock()
	tracked := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		tracked = append(tracked, s)
	}
	r.mu.Unlock()
	for _, s := range tracked {
		s.mu.Lock()
		if s.cancelLoop != nil {
			s.cancelLoop()
			s.cancelLoop = nil
		}
		s.mu.Unlock()
	}
}
