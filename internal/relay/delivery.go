package relay

import (
	"context"
	"log/slog"
	"time"
)

// deliveredCap bounds a session's delivered-id set. Conversations are
// short-lived in practice, so only the most recent ids matter.
const deliveredCap = 500

// deliveredSet tracks response ids already pushed to one channel
// instance, evicting the oldest once capped.
type deliveredSet struct {
	ids   map[string]struct{}
	order []string
	max   int
}

func newDeliveredSet(max int) *deliveredSet {
	return &deliveredSet{ids: make(map[string]struct{}), max: max}
}

func (d *deliveredSet) contains(id string) bool {
	_, ok := d.ids[id]
	return ok
}

// claim records id and reports whether this caller was first. The
// direct-push path and the poll loop both claim before sending, so only
// one of them ever pushes a given response.
func (d *deliveredSet) claim(id string) bool {
	if _, ok := d.ids[id]; ok {
		return false
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.ids, evict)
	}
	return true
}

// remove releases a claim whose send failed, so the poll loop can retry.
func (d *deliveredSet) remove(id string) {
	if _, ok := d.ids[id]; !ok {
		return
	}
	delete(d.ids, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// startDeliveryLoop runs the per-session outbound poll for one channel
// instance. The loop reads everything appended since the session's last
// poll mark, pushes what the direct path has not already delivered, and
// stops when the channel is superseded or the session torn down. Ticks
// run inline in the loop goroutine, so one tick can never overlap the
// next.
func (r *Router) startDeliveryLoop(s *session, ch Channel) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelLoop = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.deliverTick(s, ch)
			}
		}
	}()
}

// deliverTick is one poll pass. The poll mark only advances when the
// read returned something, so entries written between the read and the
// advance under coarse clock resolution are never skipped.
func (r *Router) deliverTick(s *session, ch Channel) {
	s.mu.Lock()
	since := s.lastPoll
	s.mu.Unlock()

	resps, err := r.store.ReadOutboundSince(s.id, since)
	if err != nil {
		slog.Warn("outbound poll failed", "session", s.id, "error", err)
		return
	}
	if len(resps) == 0 {
		return
	}

	for _, resp := range resps {
		s.mu.Lock()
		claimed := s.delivered.claim(resp.ID)
		s.mu.Unlock()
		if !claimed {
			slog.Debug("duplicate delivery avoided", "session", s.id, "id", resp.ID)
			continue
		}
		if err := ch.Send(responseEvent(resp)); err != nil {
			// Push failed; release the claim and keep the poll mark where
			// it is so the remainder retries on the next tick.
			s.mu.Lock()
			s.delivered.remove(resp.ID)
			s.mu.Unlock()
			slog.Debug("delivery push failed", "session", s.id, "id", resp.ID, "error", err)
			return
		}
		r.counters.ResponsesDelivered.Add(1)
	}

	s.mu.Lock()
	s.lastPoll = time.Now()
	s.mu.Unlock()
}
