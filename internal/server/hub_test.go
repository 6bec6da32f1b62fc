// internal/server/hub_test.go
package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WORKHIVE/internal/events"
	"github.com/WORKHIVE/internal/metrics"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// fakeClient registers a send channel without a real connection so the
// hub loop can be exercised directly.
func fakeClient(h *Hub, buffer int) *Client {
	return &Client{hub: h, send: make(chan []byte, buffer)}
}

func waitCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
}

func TestHubRegisterUnregister(t *testing.T) {
	h := startHub(t)

	c := fakeClient(h, 4)
	h.Register(c)
	waitCount(t, h, 1)

	h.Unregister(c)
	waitCount(t, h, 0)

	// The send channel is closed on unregister.
	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed")
	}
}

func TestHubBroadcastEvent(t *testing.T) {
	h := startHub(t)

	c := fakeClient(h, 4)
	h.Register(c)
	waitCount(t, h, 1)

	h.BroadcastEvent(*events.NewEvent(events.EventWorkSubmitted, "test", "all",
		events.PriorityNormal, map[string]interface{}{"work_id": "todo-1"}))

	select {
	case data := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != WSTypeEvent {
			t.Errorf("type = %s, want %s", msg.Type, WSTypeEvent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := startHub(t)

	slow := fakeClient(h, 1)
	fast := fakeClient(h, 64)
	h.Register(slow)
	h.Register(fast)
	waitCount(t, h, 2)

	// The slow client's buffer holds one message; the second broadcast
	// finds it full and evicts the client.
	for i := 0; i < 5; i++ {
		h.BroadcastSnapshot(metrics.Snapshot{Pending: i})
		time.Sleep(5 * time.Millisecond)
	}
	waitCount(t, h, 1)

	if len(fast.send) == 0 {
		t.Error("fast client received nothing")
	}
}

func TestHubStopDisconnectsAll(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := fakeClient(h, 4)
	b := fakeClient(h, 4)
	h.Register(a)
	h.Register(b)
	waitCount(t, h, 2)

	h.Stop()
	waitCount(t, h, 0)
}

func TestWebSocketEndToEnd(t *testing.T) {
	s, _, _ := testServer(t)
	go s.hub.Run()
	go s.pumpEvents()
	t.Cleanup(func() { s.hub.Stop(); close(s.stopChan) })

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	// First frame is the snapshot sent on connect.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != WSTypeSnapshot {
		t.Errorf("first frame type = %s, want %s", msg.Type, WSTypeSnapshot)
	}

	// A bus event is forwarded as an event frame.
	s.deps.Bus.Publish(events.NewEvent(events.EventWorkSubmitted, "test", "all",
		events.PriorityNormal, map[string]interface{}{"work_id": "todo-9"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != WSTypeEvent {
		t.Errorf("second frame type = %s, want %s", msg.Type, WSTypeEvent)
	}
}
