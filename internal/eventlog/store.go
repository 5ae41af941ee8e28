// Package eventlog provides the durable append-only per-session event store.
// Each session (client_id:request_id) gets its own JSONL file; records carry
// monotonically increasing ids starting at 1 so reconnecting clients can
// resume with Last-Event-ID.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

// Record is a single durable log entry.
type Record struct {
	ID    int64           `json:"id"`
	Event json.RawMessage `json:"event"`
}

// SessionInfo describes one persisted session.
type SessionInfo struct {
	ClientID      string `json:"client_id"`
	RequestID     string `json:"request_id"`
	EventCount    int    `json:"event_count"`
	LastEventType string `json:"last_event_type,omitempty"`
}

var unsafePathChars = regexp.MustCompile(`[^\w.\-]`)

// Store is a JSONL-backed event store. Writes within a session are
// serialized by a per-session lock; sessions are independent.
type Store struct {
	baseDir string
	logger  *logger.Logger

	mu     sync.Mutex
	nextID map[string]int64
	locks  map[string]*sync.Mutex
}

// NewStore creates the store rooted at baseDir, creating it if needed.
func NewStore(baseDir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event dir: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "eventlog")),
		nextID:  make(map[string]int64),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func sessionKey(clientID, requestID string) string {
	return clientID + ":" + requestID
}

// sanitizePathComponent keeps only word characters, dots and hyphens.
func sanitizePathComponent(value string) string {
	return unsafePathChars.ReplaceAllString(value, "_")
}

func (s *Store) sessionLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// sessionPath resolves the JSONL path for a session, rejecting ids whose
// sanitized form still escapes the base directory.
func (s *Store) sessionPath(clientID, requestID string) (string, error) {
	safeClient := sanitizePathComponent(clientID)
	safeRequest := sanitizePathComponent(requestID)

	dir := filepath.Join(s.baseDir, safeClient)
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if absDir != absBase && !strings.HasPrefix(absDir, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid client_id: %s", clientID)
	}
	return filepath.Join(dir, safeRequest+".jsonl"), nil
}

// loadNextID recovers the next id for a session, scanning the file once.
// Caller must hold the session lock.
func (s *Store) loadNextID(key, path string) int64 {
	s.mu.Lock()
	if id, ok := s.nextID[key]; ok {
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	var lastID int64
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			if rec.ID > lastID {
				lastID = rec.ID
			}
		}
		if err := scanner.Err(); err != nil {
			s.logger.Warn("failed to scan event file", zap.String("path", path), zap.Error(err))
		}
		_ = f.Close()
	} else if !os.IsNotExist(err) {
		s.logger.Warn("failed to open event file", zap.String("path", path), zap.Error(err))
	}

	next := lastID + 1
	s.mu.Lock()
	s.nextID[key] = next
	s.mu.Unlock()
	return next
}

// Append writes one event and returns its assigned id. The record is fully
// written before the id is returned.
func (s *Store) Append(clientID, requestID string, event json.RawMessage) (int64, error) {
	path, err := s.sessionPath(clientID, requestID)
	if err != nil {
		return 0, err
	}

	key := sessionKey(clientID, requestID)
	lock := s.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	eventID := s.loadNextID(key, path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create session dir: %w", err)
	}

	rec := Record{ID: eventID, Event: event}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open event file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close event file: %w", err)
	}

	s.mu.Lock()
	s.nextID[key] = eventID + 1
	s.mu.Unlock()

	return eventID, nil
}

// ReadAll returns every record for a session in id order.
// Corrupted lines are skipped.
func (s *Store) ReadAll(clientID, requestID string) ([]Record, error) {
	path, err := s.sessionPath(clientID, requestID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("skipping corrupted line", zap.String("path", path))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("failed to read events", zap.String("path", path), zap.Error(err))
	}
	return records, nil
}

// ReadSince returns only records with id > afterID, in order.
func (s *Store) ReadSince(clientID, requestID string, afterID int64) ([]Record, error) {
	all, err := s.ReadAll(clientID, requestID)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.ID > afterID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CleanupSession drops the cached id counter and lock for a session.
func (s *Store) CleanupSession(clientID, requestID string) {
	key := sessionKey(clientID, requestID)
	s.mu.Lock()
	delete(s.nextID, key)
	delete(s.locks, key)
	s.mu.Unlock()
}

// DeleteSession removes the session state and its backing file.
func (s *Store) DeleteSession(clientID, requestID string) {
	s.CleanupSession(clientID, requestID)
	path, err := s.sessionPath(clientID, requestID)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete session file", zap.String("path", path), zap.Error(err))
	}
}

// ListSessions scans the base directory and returns metadata for every
// persisted session.
func (s *Store) ListSessions() []SessionInfo {
	var sessions []SessionInfo

	clientDirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		return sessions
	}

	for _, clientDir := range clientDirs {
		if !clientDir.IsDir() {
			continue
		}
		clientID := clientDir.Name()
		files, err := os.ReadDir(filepath.Join(s.baseDir, clientID))
		if err != nil {
			continue
		}
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			requestID := strings.TrimSuffix(name, ".jsonl")

			info, ok := s.scanSessionFile(filepath.Join(s.baseDir, clientID, name))
			if !ok {
				continue
			}
			info.ClientID = clientID
			info.RequestID = requestID
			sessions = append(sessions, info)
		}
	}
	return sessions
}

func (s *Store) scanSessionFile(path string) (SessionInfo, bool) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("failed to read session file", zap.String("path", path), zap.Error(err))
		return SessionInfo{}, false
	}
	defer f.Close()

	var info SessionInfo
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		info.EventCount++
		var rec struct {
			Event struct {
				Type string `json:"type"`
			} `json:"event"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("failed to parse session file line", zap.String("path", path), zap.Error(err))
			return SessionInfo{}, false
		}
		info.LastEventType = rec.Event.Type
	}
	return info, true
}
