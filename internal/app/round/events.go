package round

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ─── Live Round Feed ────────────────────────────────────────────────────────
// Round progress is delivered via Server-Sent Events: phase transitions,
// participant status changes, token deltas, and completion. Clients use the
// feed for liveness only; the durable checkpoint remains authoritative, so a
// missed event is recovered by polling the status surface.

// Event is a single round progress notification.
type Event struct {
	Type             string `json:"type"` // "phase", "participant", "token", "completed", "canceled"
	ThreadID         string `json:"thread_id"`
	RoundNumber      int    `json:"round_number"`
	Phase            string `json:"phase,omitempty"`
	ParticipantIndex int    `json:"participant_index,omitempty"`
	Status           string `json:"status,omitempty"`
	Text             string `json:"text,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Hub fans round events out to connected SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]string // channel → thread filter ("" = all)
}

// NewHub creates a round event broadcast hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan []byte]string),
	}
}

// Broadcast sends an event to every subscriber watching its thread.
func (h *Hub) Broadcast(event Event) {
	event.Timestamp = time.Now().Unix()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, threadID := range h.clients {
		if threadID != "" && threadID != event.ThreadID {
			continue
		}
		select {
		case ch <- data:
		default:
			// Client too slow — drop message
		}
	}
}

// Subscribe registers a client. An empty threadID receives all events.
// Returns the channel and an unsubscribe func.
func (h *Hub) Subscribe(threadID string) (chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = threadID
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		close(ch)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleSSE serves the live round feed via Server-Sent Events.
// GET /api/threads/{threadID}/events
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, unsub := h.Subscribe(threadID)
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
