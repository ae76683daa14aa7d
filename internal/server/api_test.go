package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cozyclaw/celest-relay/internal/queue"
	"github.com/cozyclaw/celest-relay/internal/relay"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Store, *relay.Router) {
	t.Helper()
	store, err := queue.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	router := relay.NewRouter(store, 30*time.Millisecond)
	t.Cleanup(router.Shutdown)
	ts := httptest.NewServer(New(store, router).Handler())
	t.Cleanup(ts.Close)
	return ts, store, router
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestSendMessageEndpoint(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{
		"message":   "hello",
		"sessionId": "web:abc",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["success"] != true || body["status"] != "queued" {
		t.Errorf("body = %v", body)
	}
	if body["messageId"] == "" {
		t.Error("missing messageId")
	}

	pending, _ := store.ListPending(0)
	if len(pending) != 1 || pending[0].Content != "hello" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestSendMessageDefaultsSession(t *testing.T) {
	ts, store, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{"message": "no session"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	pending, _ := store.ListPending(0)
	if len(pending) != 1 || pending[0].SessionID != "api:default" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestSendMessageValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty message", map[string]any{"message": "", "sessionId": "web:abc"}},
		{"missing message", map[string]any{"sessionId": "web:abc"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/messages", tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetResponsesEndpoint(t *testing.T) {
	ts, store, _ := newTestServer(t)

	if _, err := store.AppendOutbound("web:abc", queue.Response{Content: "hi there"}); err != nil {
		t.Fatalf("AppendOutbound: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/responses?sessionId=web:abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	resps, ok := body["responses"].([]any)
	if !ok || len(resps) != 1 {
		t.Fatalf("responses = %v", body["responses"])
	}

	// A session with no log yet reads as empty, not an error.
	resp, err = http.Get(ts.URL + "/api/responses?sessionId=web:nothing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body = decodeBody(t, resp)
	if resps, ok := body["responses"].([]any); !ok || len(resps) != 0 {
		t.Errorf("responses for unknown session = %v", body["responses"])
	}

	resp, _ = http.Get(ts.URL + "/api/responses")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing sessionId: status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookStoresResponse(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/webhook", map[string]any{
		"type": "message",
		"data": map[string]any{
			"sessionId": "web:abc",
			"text":      "pushed from outside",
			"metadata":  map[string]any{"mood": "cozy"},
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resps, _ := store.ReadOutboundSince("web:abc", time.Time{})
	if len(resps) != 1 {
		t.Fatalf("got %d stored responses, want 1", len(resps))
	}
	if resps[0].Content != "pushed from outside" || resps[0].Metadata["mood"] != "cozy" {
		t.Errorf("got %+v", resps[0])
	}
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	ts, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"type":`},
		{"unknown type", `{"type":"reboot"}`},
		{"message without session", `{"type":"message","data":{"text":"hi"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/webhook", "application/json", bytes.NewReader([]byte(tc.body)))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, store, _ := newTestServer(t)
	if _, err := store.Enqueue(queue.Message{SessionID: "web:abc", Content: "pending one"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "active" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["agentConnected"] != false {
		t.Errorf("agentConnected = %v, want false", body["agentConnected"])
	}
	q, ok := body["queue"].(map[string]any)
	if !ok || q["pending"].(float64) != 1 {
		t.Errorf("queue stats = %v", body["queue"])
	}
}
