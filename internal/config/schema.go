package config

import "time"

// Config is the top-level configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Queue    QueueConfig    `json:"queue"`
	Sessions SessionsConfig `json:"sessions"`
	Agent    AgentConfig    `json:"agent"`
}

// ServerConfig holds the HTTP/WebSocket listener settings
type ServerConfig struct {
	Addr string `json:"addr"`
}

// QueueConfig holds the durable store and watcher settings
type QueueConfig struct {
	Dir             string `json:"dir"`
	PollIntervalMS  int    `json:"pollIntervalMs"`
	MessageTTLHours int    `json:"messageTtlHours"`
}

// SessionsConfig holds delivery and timeout settings. The two timeout
// tiers are independent: IdleTimeoutMin cuts off stale pending-work
// sessions, GraceWindowMin preserves sub-conversation continuity across
// reconnects.
type SessionsConfig struct {
	DeliveryIntervalMS int `json:"deliveryIntervalMs"`
	IdleTimeoutMin     int `json:"idleTimeoutMin"`
	GraceWindowMin     int `json:"graceWindowMin"`
	ReapIntervalSec    int `json:"reapIntervalSec"`
}

// AgentConfig holds the cross-process forwarder settings
type AgentConfig struct {
	InboxPath         string `json:"inboxPath"`
	OutboxPath        string `json:"outboxPath"`
	ForwardIntervalMS int    `json:"forwardIntervalMs"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":3000"},
		Queue: QueueConfig{
			Dir:             "~/.celest-relay/message-queue",
			PollIntervalMS:  1000,
			MessageTTLHours: 24,
		},
		Sessions: SessionsConfig{
			DeliveryIntervalMS: 500,
			IdleTimeoutMin:     5,
			GraceWindowMin:     30,
			ReapIntervalSec:    30,
		},
		Agent: AgentConfig{
			InboxPath:         "~/.celest-relay/inbox.jsonl",
			OutboxPath:        "~/.celest-relay/outbox.jsonl",
			ForwardIntervalMS: 1000,
		},
	}
}

// PollInterval returns the watcher poll cadence.
func (c *QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MessageTTL returns the queue entry eviction threshold.
func (c *QueueConfig) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLHours) * time.Hour
}

// DeliveryInterval returns the per-session outbound poll cadence.
func (c *SessionsConfig) DeliveryInterval() time.Duration {
	return time.Duration(c.DeliveryIntervalMS) * time.Millisecond
}

// IdleTimeout returns the live-session inactivity threshold.
func (c *SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMin) * time.Minute
}

// GraceWindow returns the reconnect grace threshold.
func (c *SessionsConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMin) * time.Minute
}

// ReapInterval returns the session reaper cadence.
func (c *SessionsConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}

// ForwardInterval returns the outbox poll cadence.
func (c *AgentConfig) ForwardInterval() time.Duration {
	return time.Duration(c.ForwardIntervalMS) * time.Millisecond
}
