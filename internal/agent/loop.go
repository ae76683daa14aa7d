// Package agent adapts the queue to a dialogue generator, either an
// in-process handler function or an external process bridged over
// inbox/outbox files.
package agent

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

// Reply is a dialogue generator's answer to one user message.
type Reply struct {
	Text       string
	Mood       string
	Initiative bool
	Metadata   map[string]string
}

// Handler produces a reply for one inbound message. Blocking is fine;
// the loop processes messages one at a time in arrival order.
type Handler func(ctx context.Context, msg queue.Message) (Reply, error)

// Loop is the in-process integration: it consumes the queue watcher,
// invokes the handler, appends the reply to the session's outbound log
// and archives the message. A failed handler leaves the message
// pending, so a restarted consumer picks it up again.
type Loop struct {
	store   *queue.Store
	watcher *queue.Watcher
	handler Handler
}

// NewLoop wires a handler to the queue.
func NewLoop(store *queue.Store, watcher *queue.Watcher, handler Handler) *Loop {
	return &Loop{store: store, watcher: watcher, handler: handler}
}

// Start begins watching for inbound messages. ctx bounds each handler
// invocation.
func (l *Loop) Start(ctx context.Context) error {
	return l.watcher.Watch(func(msg queue.Message) {
		l.process(ctx, msg)
	})
}

func (l *Loop) process(ctx context.Context, msg queue.Message) {
	reply, err := l.handler(ctx, msg)
	if err != nil {
		slog.Error("handler failed, message stays pending", "id", msg.ID, "error", err)
		return
	}

	meta := map[string]string{}
	for k, v := range reply.Metadata {
		meta[k] = v
	}
	if reply.Mood != "" {
		meta["mood"] = reply.Mood
	}
	if reply.Initiative {
		meta["initiative"] = strconv.FormatBool(reply.Initiative)
	}

	if _, err := l.store.AppendOutbound(msg.SessionID, queue.Response{
		Content:  reply.Text,
		Metadata: meta,
	}); err != nil {
		slog.Error("failed to store reply, message stays pending", "id", msg.ID, "error", err)
		return
	}
	if err := l.store.MarkProcessed(msg); err != nil {
		slog.Warn("failed to archive message", "id", msg.ID, "error", err)
	}
}

// Stop ends the watch.
func (l *Loop) Stop() {
	l.watcher.Close()
}
