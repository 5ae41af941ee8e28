package task

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/engine"
	"github.com/soulstream/soulstream/internal/resource"
)

// admissionTimeout bounds how long a worker waits for a concurrency
// slot before failing the task.
const admissionTimeout = 5 * time.Second

// executionParams is the immutable input of one background worker.
type executionParams struct {
	clientID        string
	requestID       string
	prompt          string
	resumeSessionID string
	allowedTools    []string
	disallowedTools []string
	useMCP          bool
}

// StartExecution launches the background worker for the task. The run
// survives listener disconnects; ctx should be the process lifetime
// context. Returns false when the task is absent or already executing.
func (m *Manager) StartExecution(ctx context.Context, clientID, requestID string, adapter *engine.Adapter, resources *resource.Manager) bool {
	key := Key(clientID, requestID)

	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("task not found for execution", zap.String("task", key))
		return false
	}
	if t.execution != nil && !t.execution.finished() {
		m.mu.Unlock()
		m.logger.Warn("task already executing", zap.String("task", key))
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	t.execution = exec
	params := executionParams{
		clientID:        t.ClientID,
		requestID:       t.RequestID,
		prompt:          t.Prompt,
		resumeSessionID: t.ResumeSessionID,
		allowedTools:    t.AllowedTools,
		disallowedTools: t.DisallowedTools,
		useMCP:          t.UseMCP,
	}
	m.mu.Unlock()

	go m.runExecution(runCtx, exec, params, adapter, resources)

	m.logger.Info("started background execution", zap.String("task", key))
	return true
}

// IsExecutionRunning reports whether the task has a live worker.
func (m *Manager) IsExecutionRunning(clientID, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[Key(clientID, requestID)]
	return ok && t.execution != nil && !t.execution.finished()
}

func (m *Manager) clearExecution(key string, exec *execution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[key]; ok && t.execution == exec {
		t.execution = nil
	}
}

// runExecution drives one adapter run: acquire an admission slot,
// persist and broadcast every event, and apply the terminal state
// transition.
func (m *Manager) runExecution(ctx context.Context, exec *execution, p executionParams, adapter *engine.Adapter, resources *resource.Manager) {
	key := Key(p.clientID, p.requestID)
	log := m.logger.WithTask(p.clientID, p.requestID)

	defer close(exec.done)
	defer m.clearExecution(key, exec)
	defer log.Info("background execution finished")

	release, err := resources.Acquire(ctx, admissionTimeout)
	if err != nil {
		msg := err.Error()
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			msg = appErr.Message
		}
		log.Error("admission failed", zap.Error(err))
		m.ErrorTask(p.clientID, p.requestID, msg)
		m.broadcastEnvelope(p, engine.ErrorEvent{Message: msg})
		return
	}
	defer release()

	events := adapter.Execute(ctx, engine.ExecuteRequest{
		Prompt:          p.prompt,
		ResumeSessionID: p.resumeSessionID,
		AllowedTools:    p.allowedTools,
		DisallowedTools: p.disallowedTools,
		UseMCP:          p.useMCP,
		GetIntervention: func() *engine.Intervention {
			return m.GetIntervention(p.clientID, p.requestID)
		},
	})

	for ev := range events {
		switch typed := ev.(type) {
		case engine.SessionEvent:
			m.RegisterSession(typed.SessionID, p.clientID, p.requestID)
		case engine.ProgressEvent:
			m.setLastProgress(p.clientID, p.requestID, typed.Text)
		}

		env, err := engine.Envelope(ev)
		if err != nil {
			log.Warn("failed to encode event", zap.Error(err))
			continue
		}

		// Append before broadcast so log ids match delivery order.
		if m.events != nil {
			if raw, err := json.Marshal(env); err == nil {
				if id, err := m.events.Append(p.clientID, p.requestID, raw); err != nil {
					log.Warn("failed to persist event", zap.Error(err))
				} else {
					env["_event_id"] = id
				}
			}
		}

		m.Broadcast(p.clientID, p.requestID, env)

		switch typed := ev.(type) {
		case engine.CompleteEvent:
			m.CompleteTask(p.clientID, p.requestID, typed.Result, typed.ClaudeSessionID)
		case engine.ErrorEvent:
			m.ErrorTask(p.clientID, p.requestID, typed.Message)
		}
	}
}

// broadcastEnvelope sends a synthetic event straight to listeners,
// bypassing the event log.
func (m *Manager) broadcastEnvelope(p executionParams, ev engine.Event) {
	env, err := engine.Envelope(ev)
	if err != nil {
		return
	}
	m.Broadcast(p.clientID, p.requestID, env)
}

// SendReconnectStatus pushes a synthetic reconnected event to a newly
// attached sink, then replays every persisted event with id greater
// than lastEventID. Pass a negative lastEventID to skip replay.
func (m *Manager) SendReconnectStatus(clientID, requestID string, sink Listener, lastEventID int64) {
	key := Key(clientID, requestID)

	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	ev := map[string]any{
		"type":          "reconnected",
		"status":        string(t.Status),
		"has_execution": t.execution != nil && !t.execution.finished(),
	}
	if t.LastProgressText != "" {
		ev["last_progress"] = t.LastProgressText
	}
	m.mu.Unlock()

	m.deliver(sink, ev)

	if m.events == nil || lastEventID < 0 {
		return
	}
	records, err := m.events.ReadSince(clientID, requestID, lastEventID)
	if err != nil {
		m.logger.Warn("failed to replay events", zap.String("task", key), zap.Error(err))
		return
	}
	for _, rec := range records {
		var payload map[string]any
		if err := json.Unmarshal(rec.Event, &payload); err != nil {
			continue
		}
		payload["_event_id"] = rec.ID
		m.deliver(sink, payload)
	}
	if len(records) > 0 {
		m.logger.Info("replayed missed events",
			zap.String("task", key),
			zap.Int("count", len(records)),
			zap.Int64("after_id", lastEventID))
	}
}
