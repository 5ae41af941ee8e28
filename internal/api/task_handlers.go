package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/engine"
	"github.com/soulstream/soulstream/internal/task"
)

// Version is stamped at build time.
var Version = "dev"

type executeRequest struct {
	ClientID        string   `json:"client_id" binding:"required"`
	RequestID       string   `json:"request_id" binding:"required"`
	Prompt          string   `json:"prompt" binding:"required"`
	ResumeSessionID string   `json:"resume_session_id"`
	AllowedTools    []string `json:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools"`
	UseMCP          *bool    `json:"use_mcp"`
}

type interveneRequest struct {
	Text            string   `json:"text" binding:"required"`
	User            string   `json:"user" binding:"required"`
	AttachmentPaths []string `json:"attachment_paths"`
}

// handleExecute creates a task, starts its background execution, and
// streams events until the terminal one. The execution itself survives
// the client disconnecting.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument(err.Error()))
		return
	}

	if !s.deps.Resources.CanAcquire() {
		respondError(c, errors.AdmissionDenied(s.deps.Resources.Stats().MaxConcurrent))
		return
	}

	useMCP := true
	if req.UseMCP != nil {
		useMCP = *req.UseMCP
	}

	_, err := s.deps.Manager.CreateTask(task.CreateParams{
		ClientID:        req.ClientID,
		RequestID:       req.RequestID,
		Prompt:          req.Prompt,
		ResumeSessionID: req.ResumeSessionID,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		UseMCP:          useMCP,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	// Attach the listener before the worker starts so the first events
	// cannot outrun the subscription.
	sink := task.NewListener()
	if !s.deps.Manager.AddListener(req.ClientID, req.RequestID, sink) {
		respondError(c, errors.TaskNotFound(req.ClientID, req.RequestID))
		return
	}
	defer s.deps.Manager.RemoveListener(req.ClientID, req.RequestID, sink)

	s.deps.Manager.StartExecution(s.baseCtx(), req.ClientID, req.RequestID,
		s.deps.Adapter, s.deps.Resources)

	setSSEHeaders(c)
	c.Status(http.StatusOK)
	s.streamEvents(c, req.ClientID, req.RequestID, sink)
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.deps.Manager.TasksByClient(c.Param("client_id"))
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	clientID := c.Param("client_id")
	requestID := c.Param("request_id")

	snap, ok := s.deps.Manager.GetTask(clientID, requestID)
	if !ok {
		respondError(c, errors.TaskNotFound(clientID, requestID))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStream re-attaches to a task. Terminal tasks get their stored
// outcome as a single event; running tasks get a reconnected event,
// replay of missed events per Last-Event-ID, then the live stream.
func (s *Server) handleStream(c *gin.Context) {
	clientID := c.Param("client_id")
	requestID := c.Param("request_id")

	snap, ok := s.deps.Manager.GetTask(clientID, requestID)
	if !ok {
		respondError(c, errors.TaskNotFound(clientID, requestID))
		return
	}

	lastEventID := int64(-1)
	if header := c.GetHeader("Last-Event-ID"); header != "" {
		parsed, err := strconv.ParseInt(header, 10, 64)
		if err != nil {
			s.logger.Warn("invalid Last-Event-ID header", zap.String("value", header))
		} else {
			lastEventID = parsed
		}
	}

	setSSEHeaders(c)
	c.Status(http.StatusOK)

	switch snap.Status {
	case task.StatusCompleted:
		_ = writeSSE(c, map[string]any{
			"type":              "complete",
			"result":            snap.Result,
			"claude_session_id": snap.ClaudeSessionID,
			"attachments":       []string{},
		})
		s.deps.Manager.MarkDelivered(clientID, requestID)
		return

	case task.StatusError:
		_ = writeSSE(c, map[string]any{
			"type":    "error",
			"message": snap.Error,
		})
		s.deps.Manager.MarkDelivered(clientID, requestID)
		return
	}

	sink := task.NewListener()
	if !s.deps.Manager.AddListener(clientID, requestID, sink) {
		return
	}
	defer s.deps.Manager.RemoveListener(clientID, requestID, sink)

	s.deps.Manager.SendReconnectStatus(clientID, requestID, sink, lastEventID)
	s.streamEvents(c, clientID, requestID, sink)
}

func (s *Server) handleAck(c *gin.Context) {
	clientID := c.Param("client_id")
	requestID := c.Param("request_id")

	if !s.deps.Manager.AckTask(clientID, requestID) {
		respondError(c, errors.TaskNotFound(clientID, requestID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleIntervene(c *gin.Context) {
	clientID := c.Param("client_id")
	requestID := c.Param("request_id")

	var req interveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument(err.Error()))
		return
	}

	position, err := s.deps.Manager.AddIntervention(clientID, requestID, engine.Intervention{
		Text:            req.Text,
		User:            req.User,
		AttachmentPaths: req.AttachmentPaths,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "queue_position": position})
}

func (s *Server) handleInterveneBySession(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req interveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument(err.Error()))
		return
	}

	position, err := s.deps.Manager.AddInterventionBySession(sessionID, engine.Intervention{
		Text:            req.Text,
		User:            req.User,
		AttachmentPaths: req.AttachmentPaths,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "queue_position": position})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"environment":    s.cfg.Environment,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	running := s.deps.Manager.RunningTasks()

	tasks := make([]gin.H, 0, len(running))
	for _, t := range running {
		tasks = append(tasks, gin.H{
			"client_id":  t.ClientID,
			"request_id": t.RequestID,
			"status":     t.Status,
			"created_at": t.CreatedAt,
		})
	}

	response := gin.H{
		"active_tasks":   len(running),
		"max_concurrent": s.deps.Resources.Stats().MaxConcurrent,
		"tasks":          tasks,
	}
	if s.deps.Pool != nil {
		response["runner_pool"] = s.deps.Pool.Stats()
	}
	c.JSON(http.StatusOK, response)
}
