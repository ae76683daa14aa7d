package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

// fakeChannel records pushed events and can be told to fail sends.
type fakeChannel struct {
	id   string
	mu   sync.Mutex
	evs  []Event
	fail bool
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("channel closed")
	}
	c.evs = append(c.evs, ev)
	return nil
}

func (c *fakeChannel) events(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *queue.Store) {
	t.Helper()
	store, err := queue.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r := NewRouter(store, 30*time.Millisecond)
	t.Cleanup(r.Shutdown)
	return r, store
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestRegisterChannelDerivesCompositeID(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc"}
	got := r.RegisterChannel("web", ch, "")
	if got != "web:abc" {
		t.Errorf("session id = %q, want web:abc", got)
	}
	if r.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", r.SessionCount())
	}
}

func TestDirectPushNotDuplicatedByPollLoop(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc"}
	sessionID := r.RegisterChannel("web", ch, "")

	if _, err := r.DeliverOutbound(sessionID, queue.Response{Content: "hi there"}); err != nil {
		t.Fatalf("DeliverOutbound: %v", err)
	}

	// The direct push lands immediately; the delivery loop then reads
	// the same response from the log and must suppress it.
	if got := len(ch.events("agent:message")); got != 1 {
		t.Fatalf("got %d immediate pushes, want 1", got)
	}
	time.Sleep(150 * time.Millisecond)
	if got := len(ch.events("agent:message")); got != 1 {
		t.Errorf("got %d pushes after poll ticks, want exactly 1", got)
	}
}

func TestConcurrentPollAndDirectPushNoDuplicates(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc"}
	sessionID := r.RegisterChannel("web", ch, "")
	s := r.lookup(sessionID)

	// Spin poll passes as fast as possible while direct pushes land, so
	// a poll read keeps hitting the window between a response's append
	// and its direct push.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.deliverTick(s, ch)
			}
		}
	}()

	const n = 200
	for i := 0; i < n; i++ {
		if _, err := r.DeliverOutbound(sessionID, queue.Response{Content: fmt.Sprintf("reply %d", i)}); err != nil {
			t.Fatalf("DeliverOutbound: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		return len(ch.events("agent:message")) >= n
	})
	time.Sleep(100 * time.Millisecond)
	if got := len(ch.events("agent:message")); got != n {
		t.Fatalf("got %d pushes for %d responses", got, n)
	}
}

func TestPollLoopCoversFailedDirectPush(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc", fail: true}
	sessionID := r.RegisterChannel("web", ch, "")

	if _, err := r.DeliverOutbound(sessionID, queue.Response{Content: "missed you"}); err != nil {
		t.Fatalf("DeliverOutbound: %v", err)
	}
	ch.mu.Lock()
	ch.fail = false
	ch.mu.Unlock()

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(ch.events("agent:message")) == 1
	})
	if !ok {
		t.Fatal("delivery loop never recovered the response")
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(ch.events("agent:message")); got != 1 {
		t.Errorf("got %d pushes, want exactly 1", got)
	}
}

func TestReconnectContinuity(t *testing.T) {
	r, _ := newTestRouter(t)
	ch1 := &fakeChannel{id: "conn1"}
	sessionID := r.RegisterChannel("web", ch1, "")

	if _, err := r.DeliverOutbound(sessionID, queue.Response{Content: "before"}); err != nil {
		t.Fatalf("DeliverOutbound: %v", err)
	}
	// Let the delivery loop observe the first response so its poll mark
	// advances past it.
	time.Sleep(100 * time.Millisecond)

	r.Disconnect(ch1)

	// Appended while disconnected: buffered durably, delivered on resume.
	if _, err := r.DeliverOutbound(sessionID, queue.Response{Content: "while away"}); err != nil {
		t.Fatalf("DeliverOutbound: %v", err)
	}

	ch2 := &fakeChannel{id: "conn2"}
	resumed := r.RegisterChannel("web", ch2, sessionID)
	if resumed != sessionID {
		t.Fatalf("resumed id = %q, want %q", resumed, sessionID)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(ch2.events("agent:message")) >= 1
	})
	if !ok {
		t.Fatal("buffered response never delivered after reconnect")
	}
	time.Sleep(100 * time.Millisecond)
	evs := ch2.events("agent:message")
	if len(evs) != 1 {
		t.Fatalf("got %d deliveries after reconnect, want exactly 1", len(evs))
	}
	if evs[0].Data["text"] != "while away" {
		t.Errorf("delivered %q, want the buffered response", evs[0].Data["text"])
	}
}

func TestDisconnectEntersGraceNotDestroy(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc"}
	r.RegisterChannel("web", ch, "")
	r.Disconnect(ch)

	if r.SessionCount() != 1 {
		t.Errorf("session destroyed on disconnect, want grace period")
	}
}

func TestRouteInboundEnqueuesAndPushesToAgent(t *testing.T) {
	r, store := newTestRouter(t)
	agentCh := &fakeChannel{id: "agent-conn"}
	r.RegisterAgent(agentCh)

	msg, err := r.RouteInbound("web:abc", "hello", map[string]string{"clientInfo": "test"})
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}

	pending, err := store.ListPending(0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("message not durably enqueued: %+v", pending)
	}

	pushes := agentCh.events("relay:message")
	if len(pushes) != 1 {
		t.Fatalf("got %d agent pushes, want 1", len(pushes))
	}
	if pushes[0].Data["content"] != "hello" || pushes[0].Data["sessionId"] != "web:abc" {
		t.Errorf("bad push payload: %+v", pushes[0].Data)
	}
}

func TestRouteInboundSurvivesAgentPushFailure(t *testing.T) {
	r, store := newTestRouter(t)
	r.RegisterAgent(&fakeChannel{id: "agent-conn", fail: true})

	if _, err := r.RouteInbound("web:abc", "hello", nil); err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	pending, _ := store.ListPending(0)
	if len(pending) != 1 {
		t.Error("durable enqueue must not depend on the direct push")
	}
}

func TestRouteInboundRejectsEmptyContent(t *testing.T) {
	r, _ := newTestRouter(t)
	if _, err := r.RouteInbound("web:abc", "", nil); !errors.Is(err, queue.ErrEmptyContent) {
		t.Errorf("got %v, want ErrEmptyContent", err)
	}
}

func TestRegisterAgentSupersedes(t *testing.T) {
	r, _ := newTestRouter(t)
	old := &fakeChannel{id: "agent-old"}
	r.RegisterAgent(old)
	r.RegisterAgent(&fakeChannel{id: "agent-new"})

	// The old agent connection closing must not clear the new one.
	r.Disconnect(old)
	if !r.AgentConnected() {
		t.Error("superseded agent disconnect cleared the active agent")
	}
}

func TestReapTimeoutTiers(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc"}
	sessionID := r.RegisterChannel("web", ch, "")

	s := r.lookup(sessionID)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	r.reap(5*time.Minute, 30*time.Minute)
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != stateGrace {
		t.Fatalf("idle live session state = %d, want grace", state)
	}

	s.mu.Lock()
	s.graceSince = time.Now().Add(-31 * time.Minute)
	s.mu.Unlock()
	r.reap(5*time.Minute, 30*time.Minute)
	if r.SessionCount() != 0 {
		t.Error("expired grace session not destroyed")
	}
}

func TestDeliveredSetCapEvictsOldest(t *testing.T) {
	d := newDeliveredSet(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		d.claim(id)
	}
	if d.contains("a") {
		t.Error("oldest id should have been evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !d.contains(id) {
			t.Errorf("id %s missing", id)
		}
	}
}

func TestDeliveredSetRemoveReleasesClaim(t *testing.T) {
	d := newDeliveredSet(3)
	if !d.claim("a") {
		t.Fatal("first claim refused")
	}
	if d.claim("a") {
		t.Error("claimed id claimed again")
	}
	d.remove("a")
	if !d.claim("a") {
		t.Error("removed id could not be reclaimed")
	}
}

func TestOrderedDeliveryWithinSession(t *testing.T) {
	r, _ := newTestRouter(t)
	ch := &fakeChannel{id: "abc", fail: true}
	sessionID := r.RegisterChannel("web", ch, "")

	for _, text := range []string{"one", "two", "three"} {
		if _, err := r.DeliverOutbound(sessionID, queue.Response{Content: text}); err != nil {
			t.Fatalf("DeliverOutbound: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	ch.mu.Lock()
	ch.fail = false
	ch.mu.Unlock()

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(ch.events("agent:message")) == 3
	})
	if !ok {
		t.Fatalf("got %d deliveries, want 3", len(ch.events("agent:message")))
	}
	evs := ch.events("agent:message")
	for i, want := range []string{"one", "two", "three"} {
		if evs[i].Data["text"] != want {
			t.Errorf("position %d: got %q, want %q", i, evs[i].Data["text"], want)
		}
	}
}
