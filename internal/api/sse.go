package api

import (
	"fmt"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/soulstream/soulstream/internal/task"
)

// keepaliveInterval paces SSE comment frames during idle streaming so
// proxies do not reap the connection.
const keepaliveInterval = 30 * time.Second

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// writeSSE encodes one event frame. The durable event id, when
// present, becomes the SSE id field for Last-Event-ID resumption.
func writeSSE(c *gin.Context, ev map[string]any) error {
	frame := sse.Event{Event: eventName(ev), Data: ev}
	if id, ok := ev["_event_id"]; ok {
		frame.Id = fmt.Sprint(id)
	}
	if err := sse.Encode(c.Writer, frame); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func eventName(ev map[string]any) string {
	if t, ok := ev["type"].(string); ok && t != "" {
		return t
	}
	return "unknown"
}

func isTerminal(ev map[string]any) bool {
	t, _ := ev["type"].(string)
	return t == "complete" || t == "error"
}

// streamEvents pumps listener events to the client until a terminal
// event, a client disconnect, or a write failure. After a terminal
// event reaches the wire the task is flagged result_delivered.
func (s *Server) streamEvents(c *gin.Context, clientID, requestID string, sink task.Listener) {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-keepalive.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()

		case ev := <-sink:
			if err := writeSSE(c, ev); err != nil {
				return
			}
			if isTerminal(ev) {
				s.deps.Manager.MarkDelivered(clientID, requestID)
				return
			}
		}
	}
}
