package task

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/engine"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{}, logger.Default())
}

func createTestTask(t *testing.T, m *Manager, clientID, requestID string) Snapshot {
	t.Helper()
	snap, err := m.CreateTask(CreateParams{
		ClientID:  clientID,
		RequestID: requestID,
		Prompt:    "hello",
		UseMCP:    true,
	})
	require.NoError(t, err)
	return snap
}

func TestCreateTask(t *testing.T) {
	m := newTestManager(t)

	snap := createTestTask(t, m, "bot", "req-1")
	assert.Equal(t, StatusRunning, snap.Status)
	assert.False(t, snap.CreatedAt.IsZero())
	assert.Nil(t, snap.CompletedAt)

	got, ok := m.GetTask("bot", "req-1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Prompt)
}

func TestCreateTaskConflictWhileRunning(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	_, err := m.CreateTask(CreateParams{ClientID: "bot", RequestID: "req-1", Prompt: "again"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTaskConflict))
}

func TestCreateTaskOverwritesTerminal(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")
	require.True(t, m.CompleteTask("bot", "req-1", "done", "sess-1"))

	snap, err := m.CreateTask(CreateParams{ClientID: "bot", RequestID: "req-1", Prompt: "retake"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "retake", snap.Prompt)
}

func TestTasksByClient(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")
	createTestTask(t, m, "bot", "req-2")
	createTestTask(t, m, "other", "req-1")

	assert.Len(t, m.TasksByClient("bot"), 2)
	assert.Len(t, m.TasksByClient("other"), 1)
	assert.Empty(t, m.TasksByClient("nobody"))
}

func TestCompleteTask(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")
	m.RegisterSession("sess-1", "bot", "req-1")

	require.True(t, m.CompleteTask("bot", "req-1", "all done", "sess-1"))

	snap, ok := m.GetTask("bot", "req-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "all done", snap.Result)
	assert.Equal(t, "sess-1", snap.ClaudeSessionID)
	require.NotNil(t, snap.CompletedAt)

	// Session index entry is gone.
	_, err := m.AddInterventionBySession("sess-1", engine.Intervention{Text: "x", User: "u"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionNotFound))
}

func TestErrorTask(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	require.True(t, m.ErrorTask("bot", "req-1", "boom"))

	snap, _ := m.GetTask("bot", "req-1")
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "boom", snap.Error)
	require.NotNil(t, snap.CompletedAt)
}

func TestCompleteTaskAbsent(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.CompleteTask("bot", "missing", "r", ""))
	assert.False(t, m.ErrorTask("bot", "missing", "e"))
}

func TestAckTaskRemovesRecord(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")
	m.RegisterSession("sess-1", "bot", "req-1")
	_, err := m.AddIntervention("bot", "req-1", engine.Intervention{Text: "hi", User: "u"})
	require.NoError(t, err)

	require.True(t, m.AckTask("bot", "req-1"))

	_, ok := m.GetTask("bot", "req-1")
	assert.False(t, ok)
	assert.False(t, m.AckTask("bot", "req-1"))
}

func TestMarkDelivered(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	require.True(t, m.MarkDelivered("bot", "req-1"))
	snap, _ := m.GetTask("bot", "req-1")
	assert.True(t, snap.ResultDelivered)

	assert.False(t, m.MarkDelivered("bot", "missing"))
}

func TestListenersBroadcast(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	l1 := NewListener()
	l2 := NewListener()
	require.True(t, m.AddListener("bot", "req-1", l1))
	require.True(t, m.AddListener("bot", "req-1", l2))

	event := map[string]any{"type": "progress", "text": "working"}
	assert.Equal(t, 2, m.Broadcast("bot", "req-1", event))
	assert.Equal(t, event, <-l1)
	assert.Equal(t, event, <-l2)

	m.RemoveListener("bot", "req-1", l1)
	assert.Equal(t, 1, m.Broadcast("bot", "req-1", event))
	assert.Equal(t, event, <-l2)
	assert.Empty(t, l1)
}

func TestAddListenerAbsentTask(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.AddListener("bot", "missing", NewListener()))
	assert.Zero(t, m.Broadcast("bot", "missing", map[string]any{"type": "x"}))
}

func TestBroadcastDropsWhenSinkFull(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	full := make(Listener, 1)
	full <- map[string]any{"type": "filler"}
	open := NewListener()
	require.True(t, m.AddListener("bot", "req-1", full))
	require.True(t, m.AddListener("bot", "req-1", open))

	delivered := m.Broadcast("bot", "req-1", map[string]any{"type": "progress"})
	assert.Equal(t, 1, delivered)
}

func TestInterventionQueue(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	depth, err := m.AddIntervention("bot", "req-1", engine.Intervention{Text: "first", User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	depth, err = m.AddIntervention("bot", "req-1", engine.Intervention{Text: "second", User: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	iv := m.GetIntervention("bot", "req-1")
	require.NotNil(t, iv)
	assert.Equal(t, "first", iv.Text)

	iv = m.GetIntervention("bot", "req-1")
	require.NotNil(t, iv)
	assert.Equal(t, "second", iv.Text)

	assert.Nil(t, m.GetIntervention("bot", "req-1"))
}

func TestAddInterventionErrors(t *testing.T) {
	m := newTestManager(t)

	_, err := m.AddIntervention("bot", "missing", engine.Intervention{Text: "x", User: "u"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeTaskNotFound))

	createTestTask(t, m, "bot", "req-1")
	m.CompleteTask("bot", "req-1", "done", "")

	_, err = m.AddIntervention("bot", "req-1", engine.Intervention{Text: "x", User: "u"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeTaskNotRunning))
}

func TestAddInterventionBySession(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")
	m.RegisterSession("sess-1", "bot", "req-1")

	depth, err := m.AddInterventionBySession("sess-1", engine.Intervention{Text: "hi", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = m.AddInterventionBySession("sess-unknown", engine.Intervention{Text: "hi", User: "u"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionNotFound))
}

func TestLoadMarksInterruptedTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	storage := NewStorage(path, logger.Default())

	first := NewManager(ManagerConfig{Storage: storage}, logger.Default())
	createTestTask(t, first, "bot", "running")
	createTestTask(t, first, "bot", "finished")
	first.CompleteTask("bot", "finished", "ok", "")
	require.NoError(t, first.Save())

	second := NewManager(ManagerConfig{Storage: NewStorage(path, logger.Default())}, logger.Default())
	count, err := second.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	interrupted, _ := second.GetTask("bot", "running")
	assert.Equal(t, StatusError, interrupted.Status)
	assert.Equal(t, "interrupted by service restart", interrupted.Error)
	require.NotNil(t, interrupted.CompletedAt)

	finished, _ := second.GetTask("bot", "finished")
	assert.Equal(t, StatusCompleted, finished.Status)
	assert.Equal(t, "ok", finished.Result)
}

func TestCleanupOldTasks(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "old-done")
	m.CompleteTask("bot", "old-done", "ok", "")
	createTestTask(t, m, "bot", "old-orphan")
	createTestTask(t, m, "bot", "fresh")
	m.CompleteTask("bot", "fresh", "ok", "")

	// Age the first two past the cutoff.
	m.mu.Lock()
	old := time.Now().UTC().Add(-48 * time.Hour)
	m.tasks[Key("bot", "old-done")].CreatedAt = old
	m.tasks[Key("bot", "old-orphan")].CreatedAt = old
	m.mu.Unlock()

	assert.Equal(t, 2, m.CleanupOldTasks(24*time.Hour))

	_, ok := m.GetTask("bot", "old-done")
	assert.False(t, ok)
	_, ok = m.GetTask("bot", "old-orphan")
	assert.False(t, ok)
	_, ok = m.GetTask("bot", "fresh")
	assert.True(t, ok)
}

func TestCleanupKeepsRunningWithWorker(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	m.mu.Lock()
	task := m.tasks[Key("bot", "req-1")]
	task.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	task.execution = &execution{cancel: func() {}, done: make(chan struct{})}
	m.mu.Unlock()

	assert.Zero(t, m.CleanupOldTasks(24*time.Hour))
	_, ok := m.GetTask("bot", "req-1")
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "a")
	createTestTask(t, m, "bot", "b")
	m.CompleteTask("bot", "b", "ok", "")
	createTestTask(t, m, "bot", "c")
	m.ErrorTask("bot", "c", "boom")

	s := m.Stats()
	assert.Equal(t, Stats{Total: 3, Running: 1, Completed: 1, Error: 1}, s)
}

func TestCancelRunningTasksNoExecutions(t *testing.T) {
	m := newTestManager(t)
	createTestTask(t, m, "bot", "req-1")

	assert.Zero(t, m.CancelRunningTasks(time.Second))
}
