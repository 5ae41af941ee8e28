package task

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/bus"
	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/engine"
	"github.com/soulstream/soulstream/internal/eventlog"
)

// Manager owns the task table and the session_id reverse index. It
// mediates every client-visible task operation and delegates durable
// event storage to the event log.
type Manager struct {
	storage  *Storage
	events   *eventlog.Store
	notifier bus.Notifier
	logger   *logger.Logger

	mu           sync.Mutex
	tasks        map[string]*Task
	sessionIndex map[string]string
}

// ManagerConfig wires a Manager. Storage and Events are both optional;
// without them tasks and their event streams live in memory only.
type ManagerConfig struct {
	Storage  *Storage
	Events   *eventlog.Store
	Notifier bus.Notifier
}

// NewManager creates a task manager.
func NewManager(cfg ManagerConfig, log *logger.Logger) *Manager {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = bus.NoopNotifier{}
	}
	return &Manager{
		storage:      cfg.Storage,
		events:       cfg.Events,
		notifier:     notifier,
		logger:       log.WithFields(zap.String("component", "task-manager")),
		tasks:        make(map[string]*Task),
		sessionIndex: make(map[string]string),
	}
}

// CreateParams describes a new task.
type CreateParams struct {
	ClientID        string
	RequestID       string
	Prompt          string
	ResumeSessionID string
	AllowedTools    []string
	DisallowedTools []string
	UseMCP          bool
}

// CreateTask registers a fresh RUNNING task. An existing RUNNING task
// under the same key is a conflict; a terminal one is overwritten.
func (m *Manager) CreateTask(p CreateParams) (Snapshot, error) {
	key := Key(p.ClientID, p.RequestID)

	m.mu.Lock()
	if existing, ok := m.tasks[key]; ok {
		if existing.Status == StatusRunning {
			m.mu.Unlock()
			return Snapshot{}, errors.TaskConflict(p.ClientID, p.RequestID)
		}
		m.logger.Info("overwriting finished task", zap.String("task", key))
	}

	t := &Task{
		ClientID:        p.ClientID,
		RequestID:       p.RequestID,
		Prompt:          p.Prompt,
		Status:          StatusRunning,
		ResumeSessionID: p.ResumeSessionID,
		AllowedTools:    p.AllowedTools,
		DisallowedTools: p.DisallowedTools,
		UseMCP:          p.UseMCP,
		CreatedAt:       time.Now().UTC(),
	}
	m.tasks[key] = t
	snap := t.snapshot()
	m.mu.Unlock()

	m.logger.Info("created task", zap.String("task", key))
	m.scheduleSave()
	return snap, nil
}

// GetTask returns a snapshot of the task, if present.
func (m *Manager) GetTask(clientID, requestID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// TasksByClient returns snapshots of every task owned by clientID.
func (m *Manager) TasksByClient(clientID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0)
	for _, t := range m.tasks {
		if t.ClientID == clientID {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// RunningTasks returns snapshots of every RUNNING task.
func (m *Manager) RunningTasks() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0)
	for _, t := range m.tasks {
		if t.Status == StatusRunning {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Stats returns task table counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Total: len(m.tasks)}
	for _, t := range m.tasks {
		switch t.Status {
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusError:
			s.Error++
		}
	}
	return s
}

// RegisterSession records the session_id to task mapping used by the
// session-addressed intervention endpoint.
func (m *Manager) RegisterSession(sessionID, clientID, requestID string) {
	if sessionID == "" {
		return
	}
	key := Key(clientID, requestID)

	m.mu.Lock()
	m.sessionIndex[sessionID] = key
	m.mu.Unlock()

	m.logger.Info("session registered",
		zap.String("session_id", sessionID),
		zap.String("task", key))
}

// unregisterSessionLocked drops every session index entry pointing at key.
func (m *Manager) unregisterSessionLocked(key string) {
	for sid, tk := range m.sessionIndex {
		if tk == key {
			delete(m.sessionIndex, sid)
		}
	}
}

// CompleteTask transitions the task to COMPLETED and clears its session
// index entries. Returns false when the task is absent.
func (m *Manager) CompleteTask(clientID, requestID, result, claudeSessionID string) bool {
	key := Key(clientID, requestID)

	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("task not found for complete", zap.String("task", key))
		return false
	}
	t.Status = StatusCompleted
	t.Result = result
	t.ClaudeSessionID = claudeSessionID
	t.CompletedAt = time.Now().UTC()
	completedAt := t.CompletedAt
	m.unregisterSessionLocked(key)
	m.mu.Unlock()

	m.logger.Info("completed task", zap.String("task", key))
	m.notifyFinished(clientID, requestID, StatusCompleted, "", completedAt)
	m.scheduleSave()
	return true
}

// ErrorTask transitions the task to ERROR and clears its session index
// entries. Returns false when the task is absent.
func (m *Manager) ErrorTask(clientID, requestID, errMsg string) bool {
	key := Key(clientID, requestID)

	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("task not found for error", zap.String("task", key))
		return false
	}
	t.Status = StatusError
	t.Error = errMsg
	t.CompletedAt = time.Now().UTC()
	completedAt := t.CompletedAt
	m.unregisterSessionLocked(key)
	m.mu.Unlock()

	m.logger.Info("errored task", zap.String("task", key), zap.String("error", errMsg))
	m.notifyFinished(clientID, requestID, StatusError, errMsg, completedAt)
	m.scheduleSave()
	return true
}

func (m *Manager) notifyFinished(clientID, requestID string, status Status, errMsg string, completedAt time.Time) {
	err := m.notifier.NotifyTaskFinished(bus.TaskNotification{
		ClientID:    clientID,
		RequestID:   requestID,
		Status:      string(status),
		Error:       errMsg,
		CompletedAt: completedAt,
	})
	if err != nil {
		m.logger.Warn("task notification failed",
			zap.String("task", Key(clientID, requestID)),
			zap.Error(err))
	}
}

// AckTask removes the task record, drains its intervention queue, and
// detaches all listeners. The event log session is removed as well so a
// reused key starts a fresh stream.
func (m *Manager) AckTask(clientID, requestID string) bool {
	key := Key(clientID, requestID)

	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("task not found for ack", zap.String("task", key))
		return false
	}
	delete(m.tasks, key)
	m.unregisterSessionLocked(key)
	t.interventions = nil
	t.listeners = nil
	m.mu.Unlock()

	if m.events != nil {
		m.events.DeleteSession(clientID, requestID)
	}

	m.logger.Info("acked task", zap.String("task", key))
	m.scheduleSave()
	return true
}

// MarkDelivered flags the result as delivered so a restart does not
// resend it. Returns false when the task is absent.
func (m *Manager) MarkDelivered(clientID, requestID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		m.mu.Unlock()
		return false
	}
	t.ResultDelivered = true
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// AddListener attaches an event sink to the task. Returns false when
// the task is absent.
func (m *Manager) AddListener(clientID, requestID string, l Listener) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		return false
	}
	t.listeners = append(t.listeners, l)
	return true
}

// RemoveListener detaches an event sink from the task.
func (m *Manager) RemoveListener(clientID, requestID string, l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		return
	}
	for i, existing := range t.listeners {
		if existing == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Broadcast delivers the event to every listener of the task and
// returns the delivered count. A full sink drops the event for that
// listener only.
func (m *Manager) Broadcast(clientID, requestID string, event map[string]any) int {
	m.mu.Lock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	m.mu.Unlock()

	delivered := 0
	for _, l := range listeners {
		if m.deliver(l, event) {
			delivered++
		}
	}
	return delivered
}

func (m *Manager) deliver(l Listener, event map[string]any) bool {
	select {
	case l <- event:
		return true
	default:
		m.logger.Warn("listener sink full, dropping event",
			zap.Any("event_type", event["type"]))
		return false
	}
}

// AddIntervention enqueues a mid-run user message for the task and
// returns the queue depth after the enqueue.
func (m *Manager) AddIntervention(clientID, requestID string, iv engine.Intervention) (int, error) {
	key := Key(clientID, requestID)

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[key]
	if !ok {
		return 0, errors.TaskNotFound(clientID, requestID)
	}
	if t.Status != StatusRunning {
		return 0, errors.TaskNotRunning(clientID, requestID)
	}
	t.interventions = append(t.interventions, iv)
	return len(t.interventions), nil
}

// AddInterventionBySession is AddIntervention addressed by the agent
// session id.
func (m *Manager) AddInterventionBySession(sessionID string, iv engine.Intervention) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.sessionIndex[sessionID]
	if !ok {
		return 0, errors.SessionNotFound(sessionID)
	}
	t, ok := m.tasks[key]
	if !ok {
		return 0, errors.SessionNotFound(sessionID)
	}
	if t.Status != StatusRunning {
		return 0, errors.TaskNotRunning(t.ClientID, t.RequestID)
	}
	t.interventions = append(t.interventions, iv)
	return len(t.interventions), nil
}

// GetIntervention pops the oldest queued intervention, or nil when the
// queue is empty. Never blocks.
func (m *Manager) GetIntervention(clientID, requestID string) *engine.Intervention {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok || len(t.interventions) == 0 {
		return nil
	}
	iv := t.interventions[0]
	t.interventions = t.interventions[1:]
	return &iv
}

// setLastProgress stores the latest progress text for reconnects.
func (m *Manager) setLastProgress(clientID, requestID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[Key(clientID, requestID)]; ok {
		t.LastProgressText = text
	}
}

// Load reads the persisted task table. RUNNING tasks from a previous
// process cannot be resumed and are rewritten to ERROR, then the table
// is re-persisted immediately.
func (m *Manager) Load() (int, error) {
	if !m.storage.Enabled() {
		return 0, nil
	}

	snaps, err := m.storage.Load()
	if err != nil {
		return 0, err
	}

	interrupted := 0
	m.mu.Lock()
	for key, snap := range snaps {
		t := taskFromSnapshot(snap)
		if t.Status == StatusRunning {
			t.Status = StatusError
			t.Error = "interrupted by service restart"
			t.CompletedAt = time.Now().UTC()
			interrupted++
		}
		m.tasks[key] = t
	}
	count := len(m.tasks)
	m.mu.Unlock()

	if interrupted > 0 {
		m.logger.Info("marked interrupted tasks as error", zap.Int("count", interrupted))
		if err := m.Save(); err != nil {
			m.logger.Warn("failed to persist interrupted tasks", zap.Error(err))
		}
	}

	m.logger.Info("loaded tasks", zap.Int("count", count))
	return count, nil
}

// Save flushes the task table to disk, cancelling any pending
// debounced write.
func (m *Manager) Save() error {
	return m.storage.Flush(m.snapshotAll)
}

func (m *Manager) scheduleSave() {
	m.storage.ScheduleSave(m.snapshotAll)
}

func (m *Manager) snapshotAll() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Snapshot, len(m.tasks))
	for key, t := range m.tasks {
		out[key] = t.snapshot()
	}
	return out
}

// CancelRunningTasks cancels every in-flight execution and waits up to
// timeout in aggregate for the workers to exit. Returns the count that
// finished in time.
func (m *Manager) CancelRunningTasks(timeout time.Duration) int {
	m.mu.Lock()
	var execs []*execution
	for key, t := range m.tasks {
		if t.execution != nil && !t.execution.finished() {
			t.execution.cancel()
			execs = append(execs, t.execution)
			m.logger.Info("cancelling execution", zap.String("task", key))
		}
	}
	m.mu.Unlock()

	if len(execs) == 0 {
		return 0
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

wait:
	for _, e := range execs {
		select {
		case <-e.done:
		case <-deadline.C:
			break wait
		}
	}

	cancelled := 0
	for _, e := range execs {
		if e.finished() {
			cancelled++
		}
	}
	if cancelled < len(execs) {
		m.logger.Warn("task cancellation timed out",
			zap.Int("cancelled", cancelled),
			zap.Int("total", len(execs)))
	}
	m.logger.Info("cancelled running tasks",
		zap.Int("cancelled", cancelled),
		zap.Int("total", len(execs)))
	return cancelled
}

// CleanupOldTasks removes terminal tasks created before the cutoff.
// RUNNING tasks whose worker has vanished are first transitioned to
// ERROR, then removed on the same pass. Returns the removed count.
func (m *Manager) CleanupOldTasks(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	var remove []string
	for key, t := range m.tasks {
		if t.Status == StatusRunning {
			orphaned := t.execution == nil || t.execution.finished()
			if orphaned && t.CreatedAt.Before(cutoff) {
				t.Status = StatusError
				t.Error = "stale running task with no execution worker"
				t.CompletedAt = time.Now().UTC()
				remove = append(remove, key)
				m.logger.Warn("cleaning up orphaned running task", zap.String("task", key))
			}
			continue
		}
		if t.CreatedAt.Before(cutoff) {
			remove = append(remove, key)
		}
	}

	for _, key := range remove {
		t := m.tasks[key]
		m.unregisterSessionLocked(key)
		t.interventions = nil
		t.listeners = nil
		delete(m.tasks, key)
	}
	cleaned := len(remove)
	m.mu.Unlock()

	if cleaned > 0 {
		m.logger.Info("cleaned up old tasks", zap.Int("count", cleaned))
		m.scheduleSave()
	}
	return cleaned
}
