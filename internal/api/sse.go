package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/digster/crawlkit/internal/events"
)

// SSEHeartbeatInterval is how often to send heartbeat comments.
const SSEHeartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/events (SSE).
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	eventChan := h.Emitter.Subscribe()
	defer h.Emitter.Unsubscribe(eventChan)

	heartbeat := time.NewTicker(SSEHeartbeatInterval)
	defer heartbeat.Stop()

	sendSSEEvent(w, "connected", map[string]interface{}{"time": time.Now()})
	flusher.Flush()

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			sendSSEEvent(w, string(event.Type), SSEEvent{
				Type:      string(event.Type),
				Timestamp: event.Timestamp,
				Data:      event.Data,
			})
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat %d\n\n", time.Now().Unix())
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, eventType string, data interface{}) {
	fmt.Fprintf(w, "event: %s\n", eventType)

	jsonData, err := json.Marshal(data)
	if err != nil {
		jsonData = []byte(`{"error": "failed to encode event data"}`)
	}
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}
