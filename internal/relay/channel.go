package relay

import "time"

// Event is one push frame delivered to a live channel. The transport
// decides how to serialize it (the WebSocket server sends JSON frames).
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Channel is an open realtime connection capable of immediate push
// delivery. The relay does not own the channel's lifecycle; the
// transport reports closure via Router.Disconnect.
type Channel interface {
	// ID is the transport-local connection identifier, embedded in the
	// composite session id.
	ID() string
	// Send pushes one event. An error means the push did not happen;
	// the durable log still covers the response.
	Send(ev Event) error
}

// AgentMessageEvent is the frame a UI session receives for one agent
// response.
func AgentMessageEvent(text, mood string, initiative bool, ts time.Time) Event {
	if mood == "" {
		mood = "content"
	}
	return Event{
		Type: "agent:message",
		Data: map[string]any{
			"text":       text,
			"mood":       mood,
			"initiative": initiative,
			"timestamp":  ts.UTC().Format(time.RFC3339),
		},
	}
}
