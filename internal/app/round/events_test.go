package round

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHub_BroadcastAndSubscribe(t *testing.T) {
	hub := NewHub()

	ch, unsub := hub.Subscribe("")
	defer unsub()

	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Broadcast(Event{
		Type:        "phase",
		ThreadID:    "th-1",
		RoundNumber: 0,
		Phase:       "participants",
	})

	select {
	case data := <-ch:
		var received Event
		if err := json.Unmarshal(data, &received); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if received.Type != "phase" || received.ThreadID != "th-1" {
			t.Errorf("unexpected event: %+v", received)
		}
		if received.Timestamp == 0 {
			t.Error("timestamp should be stamped on broadcast")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHub_ThreadFilter(t *testing.T) {
	hub := NewHub()

	all, unsubAll := hub.Subscribe("")
	filtered, unsubFiltered := hub.Subscribe("th-2")
	defer unsubAll()
	defer unsubFiltered()

	hub.Broadcast(Event{Type: "phase", ThreadID: "th-1"})

	select {
	case <-all:
	case <-time.After(time.Second):
		t.Error("unfiltered client should receive every thread")
	}
	select {
	case <-filtered:
		t.Error("filtered client received an event for another thread")
	case <-time.After(50 * time.Millisecond):
	}

	hub.Broadcast(Event{Type: "phase", ThreadID: "th-2"})
	select {
	case <-filtered:
	case <-time.After(time.Second):
		t.Error("filtered client should receive its own thread")
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()

	_, unsub := hub.Subscribe("")
	if hub.ClientCount() != 1 {
		t.Errorf("expected 1, got %d", hub.ClientCount())
	}

	unsub()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 after unsub, got %d", hub.ClientCount())
	}
}

func TestHub_SSE_Endpoint(t *testing.T) {
	hub := NewHub()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleSSE(w, r, "")
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", resp.Header.Get("Content-Type"))
	}

	// The subscription happens inside the handler goroutine; wait for it.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(Event{Type: "completed", ThreadID: "th-1"})

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if n == 0 {
		t.Fatal("expected SSE data")
	}
}
