package task

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

// saveDebounce coalesces bursts of task mutations into one disk write.
const saveDebounce = 500 * time.Millisecond

// taskFile is the on-disk shape of the task store.
type taskFile struct {
	Tasks     map[string]Snapshot `json:"tasks"`
	LastSaved time.Time           `json:"last_saved"`
}

// Storage persists the task table as a single JSON file, written
// atomically via temp-file-then-rename. A nil or pathless Storage
// disables persistence.
type Storage struct {
	path   string
	logger *logger.Logger

	mu        sync.Mutex
	scheduled bool
	timer     *time.Timer
}

// NewStorage creates a task store writing to path. An empty path
// disables persistence.
func NewStorage(path string, log *logger.Logger) *Storage {
	return &Storage{
		path:   path,
		logger: log.WithFields(zap.String("component", "task-storage")),
	}
}

// Enabled reports whether persistence is configured.
func (s *Storage) Enabled() bool {
	return s != nil && s.path != ""
}

// Load reads the task table from disk. A missing file yields an empty
// table.
func (s *Storage) Load() (map[string]Snapshot, error) {
	if !s.Enabled() {
		return map[string]Snapshot{}, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Snapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var file taskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if file.Tasks == nil {
		file.Tasks = map[string]Snapshot{}
	}
	return file.Tasks, nil
}

// Save writes the task table immediately.
func (s *Storage) Save(tasks map[string]Snapshot) error {
	if !s.Enabled() {
		return nil
	}

	data, err := json.MarshalIndent(taskFile{
		Tasks:     tasks,
		LastSaved: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tasks: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace task file: %w", err)
	}

	s.logger.Debug("saved tasks", zap.Int("count", len(tasks)))
	return nil
}

// ScheduleSave arranges a debounced write. The snapshot function is
// invoked when the timer fires so the write captures the latest state.
// Calls while a write is already pending are no-ops.
func (s *Storage) ScheduleSave(snapshot func() map[string]Snapshot) {
	if !s.Enabled() {
		return
	}

	s.mu.Lock()
	if s.scheduled {
		s.mu.Unlock()
		return
	}
	s.scheduled = true
	s.timer = time.AfterFunc(saveDebounce, func() {
		s.mu.Lock()
		s.scheduled = false
		s.mu.Unlock()

		if err := s.Save(snapshot()); err != nil {
			s.logger.Warn("debounced task save failed", zap.Error(err))
		}
	})
	s.mu.Unlock()
}

// Flush cancels any pending debounced write and saves now. Used at
// shutdown so the final state reaches disk.
func (s *Storage) Flush(snapshot func() map[string]Snapshot) error {
	if !s.Enabled() {
		return nil
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.scheduled = false
	s.mu.Unlock()

	return s.Save(snapshot())
}
