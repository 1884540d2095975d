package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/gin-gonic/gin"
)

// streamEvents streams session events as SSE. ?session=<id> narrows the
// stream to one session, ?requester=<id> to one requester's sessions.
func (h *handlers) streamEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sessionID := c.Query("session")
	requesterID := c.Query("requester")

	evs, unsubscribe := h.hub.Subscribe(64)
	defer unsubscribe()

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if !wants(ev, sessionID, requesterID) {
				continue
			}
			writeSSE(c.Writer, "session", ev)
			c.Writer.Flush()
		}
	}
}

func wants(ev events.SessionEvent, sessionID, requesterID string) bool {
	if sessionID != "" && ev.SessionID != sessionID {
		return false
	}
	if requesterID != "" && ev.RequesterID != requesterID {
		return false
	}
	return true
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
