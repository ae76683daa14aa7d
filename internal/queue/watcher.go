package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultPollInterval is the safety-net poll cadence over ListPending.
	DefaultPollInterval = time.Second
	// dispatchedCap bounds the in-memory dedup set.
	dispatchedCap = 5000
	// settleDelay gives a just-created file time to finish writing before
	// the push path reads it. The store publishes via rename so this is
	// rarely needed, but external producers may write in place.
	settleDelay = 50 * time.Millisecond
)

// Watcher notifies a consumer of newly enqueued inbound messages. It
// runs two detection paths at once: an fsnotify subscription on the
// incoming directory for low latency, and a periodic ListPending poll
// that catches anything the notification path misses. Both paths feed
// one dedup set, so each message id is dispatched at most once per
// Watcher lifetime.
type Watcher struct {
	store    *Store
	interval time.Duration

	mu         sync.Mutex
	dispatched map[string]struct{}
	order      []string
	started    bool

	cancel context.CancelFunc
	done   chan struct{}
	fsw    *fsnotify.Watcher
}

// NewWatcher creates a watcher over the store's incoming directory.
// interval <= 0 uses DefaultPollInterval.
func NewWatcher(store *Store, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		store:      store,
		interval:   interval,
		dispatched: make(map[string]struct{}),
	}
}

// Watch registers onMessage and starts both detection paths. Only one
// callback per watcher; calling Watch twice is an error. The callback
// receives the full stored message, sufficient for a later
// MarkProcessed call.
func (w *Watcher) Watch(onMessage func(Message)) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("filesystem notifications unavailable, poll only", "error", err)
	} else if err := fsw.Add(w.store.IncomingDir()); err != nil {
		slog.Warn("failed to watch incoming dir, poll only", "error", err)
		fsw.Close()
		fsw = nil
	}
	w.fsw = fsw

	go w.run(ctx, onMessage)
	return nil
}

// run drives both paths from a single goroutine, so a poll tick can
// never overlap itself and the two paths never race each other. Created
// files are not read inline; they collect until the settle timer fires,
// so a burst of creates coalesces into one dispatch pass instead of
// stalling the loop per file.
func (w *Watcher) run(ctx context.Context, onMessage func(Message)) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()
	var created []string

	var events chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		events = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, ".json") {
				created = append(created, ev.Name)
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			paths := created
			created = nil
			for _, p := range paths {
				w.handleCreated(p, onMessage)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			slog.Warn("filesystem watch error", "error", err)
		case <-ticker.C:
			w.poll(onMessage)
		}
	}
}

// handleCreated is the push path: re-read a settled record and dispatch
// it.
func (w *Watcher) handleCreated(path string, onMessage func(Message)) {
	msg, err := w.store.readMessageFile(path)
	if err != nil {
		// The poll path retries readable-later files; truly malformed
		// records are skipped there too.
		slog.Debug("push path could not read new message", "file", filepath.Base(path), "error", err)
		return
	}
	w.dispatch(msg, onMessage)
}

// poll is the safety net: scan the whole pending set and dispatch
// anything not yet seen.
func (w *Watcher) poll(onMessage func(Message)) {
	msgs, err := w.store.ListPending(0)
	if err != nil {
		slog.Warn("pending poll failed", "error", err)
		return
	}
	for _, msg := range msgs {
		w.dispatch(msg, onMessage)
	}
}

// dispatch invokes the callback once per message id. Callback panics
// are contained so a bad consumer cannot kill the loop.
func (w *Watcher) dispatch(msg Message, onMessage func(Message)) {
	w.mu.Lock()
	if _, seen := w.dispatched[msg.ID]; seen {
		w.mu.Unlock()
		return
	}
	w.remember(msg.ID)
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("message callback panicked", "id", msg.ID, "panic", r)
		}
	}()
	onMessage(msg)
}

// remember records an id in the dedup set, evicting the oldest entries
// once the cap is reached. Caller holds w.mu.
func (w *Watcher) remember(id string) {
	w.dispatched[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > dispatchedCap {
		evict := w.order[0]
		w.order = w.order[1:]
		delete(w.dispatched, evict)
	}
}

// Close stops both detection paths and waits for the loop to exit.
func (w *Watcher) Close() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started || w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	if w.fsw != nil {
		w.fsw.Close()
	}
}
