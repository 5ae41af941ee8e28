package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/soulstream/soulstream/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	store, err := NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func mustAppend(t *testing.T, s *Store, clientID, requestID, eventType string) int64 {
	t.Helper()
	event, _ := json.Marshal(map[string]string{"type": eventType})
	id, err := s.Append(clientID, requestID, event)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return id
}

func TestAppendAssignsContiguousIDs(t *testing.T) {
	store := newTestStore(t)

	for want := int64(1); want <= 5; want++ {
		got := mustAppend(t, store, "bot", "r1", "progress")
		if got != want {
			t.Fatalf("Append() id = %d, want %d", got, want)
		}
	}

	// An independent session starts back at 1.
	if got := mustAppend(t, store, "bot", "r2", "progress"); got != 1 {
		t.Errorf("second session first id = %d, want 1", got)
	}
}

func TestReadSinceReturnsOnlyNewer(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 10; i++ {
		mustAppend(t, store, "bot", "r1", fmt.Sprintf("ev%d", i))
	}

	records, err := store.ReadSince("bot", "r1", 7)
	if err != nil {
		t.Fatalf("ReadSince() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ReadSince(7) returned %d records, want 3", len(records))
	}
	for i, rec := range records {
		if want := int64(8 + i); rec.ID != want {
			t.Errorf("record %d id = %d, want %d", i, rec.ID, want)
		}
	}

	all, err := store.ReadAll("bot", "r1")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(all) != 10 {
		t.Errorf("ReadAll() returned %d records, want 10", len(all))
	}
}

func TestIDRecoveryAfterRestart(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	dir := t.TempDir()

	store, err := NewStore(dir, log)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	mustAppend(t, store, "bot", "r1", "a")
	mustAppend(t, store, "bot", "r1", "b")

	// A fresh store over the same directory must continue the sequence.
	reopened, err := NewStore(dir, log)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if got := mustAppend(t, reopened, "bot", "r1", "c"); got != 3 {
		t.Errorf("id after reopen = %d, want 3", got)
	}
}

func TestCorruptedLinesSkippedOnRead(t *testing.T) {
	store := newTestStore(t)
	mustAppend(t, store, "bot", "r1", "a")
	mustAppend(t, store, "bot", "r1", "b")

	path, err := store.sessionPath("bot", "r1")
	if err != nil {
		t.Fatalf("sessionPath() error = %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json}\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	records, err := store.ReadAll("bot", "r1")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("ReadAll() returned %d records, want 2", len(records))
	}
}

func TestPathSanitization(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Append("../escape", "r/../1", json.RawMessage(`{"type":"x"}`))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	// The sanitized components must live under the base dir.
	path, err := store.sessionPath("../escape", "r/../1")
	if err != nil {
		t.Fatalf("sessionPath() error = %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != ".._escape" {
		t.Errorf("client dir = %q, want .._escape", filepath.Base(filepath.Dir(path)))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("sanitized file missing: %v", err)
	}
}

func TestDeleteSessionRemovesFile(t *testing.T) {
	store := newTestStore(t)
	mustAppend(t, store, "bot", "r1", "a")

	path, _ := store.sessionPath("bot", "r1")
	store.DeleteSession("bot", "r1")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("session file still present: %v", err)
	}
	// Id allocation starts over after deletion.
	if got := mustAppend(t, store, "bot", "r1", "a"); got != 1 {
		t.Errorf("id after delete = %d, want 1", got)
	}
}

func TestListSessions(t *testing.T) {
	store := newTestStore(t)
	mustAppend(t, store, "bot", "r1", "progress")
	mustAppend(t, store, "bot", "r1", "complete")
	mustAppend(t, store, "dash", "r9", "error")

	sessions := store.ListSessions()
	if len(sessions) != 2 {
		t.Fatalf("ListSessions() returned %d sessions, want 2", len(sessions))
	}

	byKey := make(map[string]SessionInfo)
	for _, info := range sessions {
		byKey[info.ClientID+":"+info.RequestID] = info
	}

	r1 := byKey["bot:r1"]
	if r1.EventCount != 2 || r1.LastEventType != "complete" {
		t.Errorf("bot:r1 = %+v", r1)
	}
	r9 := byKey["dash:r9"]
	if r9.EventCount != 1 || r9.LastEventType != "error" {
		t.Errorf("dash:r9 = %+v", r9)
	}
}

func TestConcurrentAppendsSameSession(t *testing.T) {
	store := newTestStore(t)

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.Append("bot", "r1", json.RawMessage(`{"type":"progress"}`))
			if err != nil {
				errs <- err
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("Append() error = %v", err)
	}
	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Errorf("missing id %d", want)
		}
	}
}
