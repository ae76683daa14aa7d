package relay

import (
	"context"
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

// Lifecycle defaults. The two session tiers are deliberately separate
// knobs: a short one for stale pending-work sessions and a long one for
// agent-side sub-conversation continuity.
const (
	DefaultMessageTTL   = 24 * time.Hour
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultGraceWindow  = 30 * time.Minute
	DefaultReapInterval = 30 * time.Second
)

// LifecycleConfig tunes the cleanup cadences and thresholds. Zero
// values take the defaults above.
type LifecycleConfig struct {
	MessageTTL   time.Duration
	IdleTimeout  time.Duration
	GraceWindow  time.Duration
	ReapInterval time.Duration
}

// Lifecycle evicts stale queue entries on a coarse hourly schedule and
// reaps idle sessions on a finer one. Cleanup failures are logged and
// skipped, never fatal.
type Lifecycle struct {
	store  *queue.Store
	router *Router
	cfg    LifecycleConfig

	cron   *robfigcron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLifecycle wires the cleanup manager over store and router.
func NewLifecycle(store *queue.Store, router *Router, cfg LifecycleConfig) *Lifecycle {
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	return &Lifecycle{
		store:  store,
		router: router,
		cfg:    cfg,
		cron:   robfigcron.New(),
	}
}

// Start launches the hourly TTL job and the session reaper.
func (l *Lifecycle) Start() {
	l.cron.Schedule(robfigcron.Every(time.Hour), robfigcron.FuncJob(l.cleanupPass))
	l.cron.Start()

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.router.reap(l.cfg.IdleTimeout, l.cfg.GraceWindow)
			}
		}
	}()
	slog.Info("lifecycle manager started",
		"message_ttl", l.cfg.MessageTTL,
		"idle_timeout", l.cfg.IdleTimeout,
		"grace_window", l.cfg.GraceWindow)
}

// cleanupPass runs one TTL eviction over the queue store.
func (l *Lifecycle) cleanupPass() {
	if err := l.store.CleanupOlderThan(l.cfg.MessageTTL); err != nil {
		slog.Warn("queue cleanup pass failed", "error", err)
	}
}

// TriggerCleanup runs the TTL pass immediately (CLI and tests).
func (l *Lifecycle) TriggerCleanup() {
	l.cleanupPass()
}

// Stop halts both schedules.
func (l *Lifecycle) Stop() {
	l.cron.Stop()
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}
