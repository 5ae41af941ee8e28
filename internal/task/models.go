// Package task owns the (client_id, request_id) task table: creation,
// background execution, listener fan-out, interventions, and JSON
// persistence across service restarts.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/soulstream/soulstream/internal/engine"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Key builds the task table key.
func Key(clientID, requestID string) string {
	return fmt.Sprintf("%s:%s", clientID, requestID)
}

// listenerBuffer bounds each listener sink so one stalled consumer
// cannot wedge the execution worker.
const listenerBuffer = 256

// Listener is an event sink attached to a task, one per SSE or
// WebSocket connection.
type Listener chan map[string]any

// NewListener creates a sink sized for a typical burst of card events.
func NewListener() Listener {
	return make(Listener, listenerBuffer)
}

// execution is the handle of one background worker.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *execution) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Task is one tracked execution request. All fields are guarded by the
// Manager mutex; the listener, intervention, and execution fields are
// runtime-only and never persisted.
type Task struct {
	ClientID        string
	RequestID       string
	Prompt          string
	Status          Status
	ResumeSessionID string
	ClaudeSessionID string
	Result          string
	Error           string
	ResultDelivered bool
	CreatedAt       time.Time
	CompletedAt     time.Time

	AllowedTools     []string
	DisallowedTools  []string
	UseMCP           bool
	LastProgressText string

	listeners     []Listener
	interventions []engine.Intervention
	execution     *execution
}

// Key returns the task table key.
func (t *Task) Key() string {
	return Key(t.ClientID, t.RequestID)
}

// Snapshot is the persisted and API-visible view of a task.
type Snapshot struct {
	ClientID        string     `json:"client_id"`
	RequestID       string     `json:"request_id"`
	Prompt          string     `json:"prompt"`
	Status          Status     `json:"status"`
	ResumeSessionID string     `json:"resume_session_id,omitempty"`
	ClaudeSessionID string     `json:"claude_session_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	ResultDelivered bool       `json:"result_delivered"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) snapshot() Snapshot {
	s := Snapshot{
		ClientID:        t.ClientID,
		RequestID:       t.RequestID,
		Prompt:          t.Prompt,
		Status:          t.Status,
		ResumeSessionID: t.ResumeSessionID,
		ClaudeSessionID: t.ClaudeSessionID,
		Result:          t.Result,
		Error:           t.Error,
		ResultDelivered: t.ResultDelivered,
		CreatedAt:       t.CreatedAt,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		s.CompletedAt = &completed
	}
	return s
}

func taskFromSnapshot(s Snapshot) *Task {
	t := &Task{
		ClientID:        s.ClientID,
		RequestID:       s.RequestID,
		Prompt:          s.Prompt,
		Status:          s.Status,
		ResumeSessionID: s.ResumeSessionID,
		ClaudeSessionID: s.ClaudeSessionID,
		Result:          s.Result,
		Error:           s.Error,
		ResultDelivered: s.ResultDelivered,
		CreatedAt:       s.CreatedAt,
		UseMCP:          true,
	}
	if s.CompletedAt != nil {
		t.CompletedAt = *s.CompletedAt
	}
	return t
}

// Stats summarises the task table for the status endpoint.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
}
