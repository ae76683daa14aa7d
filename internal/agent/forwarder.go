package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

// DefaultForwardInterval is the outbox poll cadence.
const DefaultForwardInterval = time.Second

// Forwarder is the cross-process integration: the external dialogue
// process reads an inbox.jsonl and writes an outbox.jsonl, and the
// forwarder bridges both to the queue. Inbound messages from the
// watcher are appended to the inbox (and archived); outbox lines are
// drained every poll tick, parsed leniently, and stored as outbound
// responses so the delivery loops pick them up.
type Forwarder struct {
	store      *queue.Store
	watcher    *queue.Watcher
	inboxPath  string
	outboxPath string
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewForwarder creates a forwarder bridging store to the given inbox
// and outbox files. interval <= 0 uses DefaultForwardInterval.
func NewForwarder(store *queue.Store, watcher *queue.Watcher, inboxPath, outboxPath string, interval time.Duration) *Forwarder {
	if interval <= 0 {
		interval = DefaultForwardInterval
	}
	return &Forwarder{
		store:      store,
		watcher:    watcher,
		inboxPath:  inboxPath,
		outboxPath: outboxPath,
		interval:   interval,
	}
}

// Start begins forwarding in both directions.
func (f *Forwarder) Start() error {
	if err := f.watcher.Watch(f.forwardInbound); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.drainOutbox()
			}
		}
	}()
	slog.Info("file forwarder started", "inbox", f.inboxPath, "outbox", f.outboxPath)
	return nil
}

// forwardInbound appends one queued message to the inbox file, stamped
// with its origin, then archives it. A failed append leaves the message
// pending for the next process start.
func (f *Forwarder) forwardInbound(msg queue.Message) {
	line, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode message for inbox", "id", msg.ID, "error", err)
		return
	}
	line, _ = sjson.SetBytes(line, "source", "companion-house")
	line, _ = sjson.SetBytes(line, "forwardedAt", time.Now().UTC().Format(time.RFC3339))

	fh, err := os.OpenFile(f.inboxPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("failed to open inbox", "error", err)
		return
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		slog.Error("failed to append to inbox", "id", msg.ID, "error", err)
		return
	}

	if err := f.store.MarkProcessed(msg); err != nil {
		slog.Warn("failed to archive forwarded message", "id", msg.ID, "error", err)
	}
	slog.Debug("forwarded to inbox", "id", msg.ID, "session", msg.SessionID)
}

// drainOutbox reads and truncates the outbox, converting each line into
// an outbound response. The external process writes free-form JSON, so
// fields are extracted leniently; lines without a session id and text
// are dropped with a warning.
func (f *Forwarder) drainOutbox() {
	data, err := os.ReadFile(f.outboxPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read outbox", "error", err)
		}
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return
	}
	// Truncate before storing: a crash between the two at worst drops
	// responses, never duplicates them.
	if err := os.WriteFile(f.outboxPath, nil, 0o644); err != nil {
		slog.Warn("failed to truncate outbox", "error", err)
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			slog.Warn("dropping malformed outbox line")
			continue
		}
		sessionID := gjson.Get(line, "sessionId").String()
		text := gjson.Get(line, "text").String()
		if text == "" {
			text = gjson.Get(line, "content").String()
		}
		if sessionID == "" || text == "" {
			slog.Warn("dropping outbox line without sessionId/text")
			continue
		}
		meta := map[string]string{"mood": "content"}
		if mood := gjson.Get(line, "mood").String(); mood != "" {
			meta["mood"] = mood
		}
		if gjson.Get(line, "initiative").Bool() {
			meta["initiative"] = "true"
		}
		if _, err := f.store.AppendOutbound(sessionID, queue.Response{
			Content:  text,
			Metadata: meta,
		}); err != nil {
			slog.Error("failed to store outbox response", "session", sessionID, "error", err)
		}
	}
}

// DrainOnce runs a single outbox pass (CLI and tests).
func (f *Forwarder) DrainOnce() {
	f.drainOutbox()
}

// Stop halts both directions.
func (f *Forwarder) Stop() {
	f.watcher.Close()
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
