package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/task"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = keepaliveInterval
)

// handleWebSocket attaches to a task over WebSocket, mirroring the SSE
// stream: reconnected event first, replay per last_event_id query
// param, then live events until a terminal one.
func (s *Server) handleWebSocket(c *gin.Context) {
	clientID := c.Param("client_id")
	requestID := c.Param("request_id")

	snap, ok := s.deps.Manager.GetTask(clientID, requestID)
	if !ok {
		respondError(c, errors.TaskNotFound(clientID, requestID))
		return
	}

	lastEventID := int64(-1)
	if raw := c.Query("last_event_id"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	writeEvent := func(ev map[string]any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}

	// Terminal tasks get their stored outcome and the socket closes.
	switch snap.Status {
	case task.StatusCompleted:
		_ = writeEvent(map[string]any{
			"type":              "complete",
			"result":            snap.Result,
			"claude_session_id": snap.ClaudeSessionID,
			"attachments":       []string{},
		})
		s.deps.Manager.MarkDelivered(clientID, requestID)
		return
	case task.StatusError:
		_ = writeEvent(map[string]any{"type": "error", "message": snap.Error})
		s.deps.Manager.MarkDelivered(clientID, requestID)
		return
	}

	sink := task.NewListener()
	if !s.deps.Manager.AddListener(clientID, requestID, sink) {
		return
	}
	defer s.deps.Manager.RemoveListener(clientID, requestID, sink)

	s.deps.Manager.SendReconnectStatus(clientID, requestID, sink, lastEventID)

	// Reader goroutine surfaces client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-closed:
			return

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case ev := <-sink:
			if err := writeEvent(ev); err != nil {
				return
			}
			if isTerminal(ev) {
				s.deps.Manager.MarkDelivered(clientID, requestID)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}
