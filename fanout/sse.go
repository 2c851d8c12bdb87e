package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

// sseSink writes event frames to one SSE connection.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseSink) Write(ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse: sink closed")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SSEHandler serves the event stream. Clients connect with their user id
// and hold the response open; frames arrive as `data: <json>` blocks.
type SSEHandler struct {
	hub    *Hub
	logger *log.Logger
}

// NewSSEHandler creates the stream handler on a hub.
func NewSSEHandler(hub *Hub, logger *log.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, logger: logger}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := h.hub.Subscribe(userID, &sseSink{w: w, flusher: flusher})
	defer h.hub.Unsubscribe(id)

	h.logger.Info("sse stream opened", map[string]any{"user_id": userID})
	<-r.Context().Done()
	h.logger.Info("sse stream closed", map[string]any{"user_id": userID})
}
