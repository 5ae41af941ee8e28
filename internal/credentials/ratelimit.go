package credentials

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

const alertThreshold = 0.95

// defaultLimitTypes are always present in status snapshots; untracked ones
// report "unknown".
var defaultLimitTypes = []string{"five_hour", "seven_day"}

// RateLimitEvent is the rate-limit notification consumed by the tracker.
// Utilization and ResetsAt stay raw because the transport does not
// guarantee their shape.
type RateLimitEvent struct {
	RateLimitType string          `json:"rateLimitType"`
	Utilization   json.RawMessage `json:"utilization"`
	ResetsAt      json.RawMessage `json:"resetsAt"`
	Status        string          `json:"status"`
}

// Alert is the one-shot payload emitted on the first 95% crossing of a
// window. It carries a snapshot of every known profile.
type Alert struct {
	Type          string           `json:"type"`
	ActiveProfile string           `json:"active_profile"`
	Profiles      []map[string]any `json:"profiles"`
}

// typeState is the persisted per-(profile, limit type) record.
type typeState struct {
	Utilization float64         `json:"utilization"`
	ResetsAt    json.RawMessage `json:"resets_at,omitempty"`
	Alerted95   bool            `json:"alerted_95"`
}

// RateLimitTracker tracks per-profile utilization with auto-reset on
// window expiry. One lock guards all mutation and snapshot reads; state
// persists across restarts via a JSON file.
type RateLimitTracker struct {
	store     *Store
	statePath string
	logger    *logger.Logger

	mu    sync.Mutex
	state map[string]map[string]*typeState
}

// NewRateLimitTracker loads tracker state from statePath; a corrupted
// file starts the tracker empty.
func NewRateLimitTracker(store *Store, statePath string, log *logger.Logger) *RateLimitTracker {
	t := &RateLimitTracker{
		store:     store,
		statePath: statePath,
		logger:    log.WithFields(zap.String("component", "ratelimit-tracker")),
		state:     make(map[string]map[string]*typeState),
	}
	t.loadState()
	return t
}

func (t *RateLimitTracker) loadState() {
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("failed to load state file, starting empty", zap.Error(err))
		}
		return
	}
	var state map[string]map[string]*typeState
	if err := json.Unmarshal(data, &state); err != nil {
		t.logger.Warn("state file is corrupted, starting empty", zap.Error(err))
		return
	}
	if state != nil {
		t.state = state
	}
}

// saveState persists the state. Caller must hold the lock.
func (t *RateLimitTracker) saveState() {
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		t.logger.Error("failed to marshal state", zap.Error(err))
		return
	}
	if err := atomicWrite(t.statePath, data); err != nil {
		t.logger.Error("failed to save state", zap.Error(err))
	}
}

// parseResetsAt interprets a raw resetsAt value as a time. Both RFC3339
// strings and unix epoch numbers appear in the wild.
func parseResetsAt(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var epoch int64
	if err := json.Unmarshal(raw, &epoch); err == nil && epoch > 0 {
		return time.Unix(epoch, 0), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Record consumes a rate-limit notification. State only changes when an
// active profile is set and utilization is numeric. Returns a non-nil
// Alert the first time utilization crosses 95% within a window.
func (t *RateLimitTracker) Record(ev RateLimitEvent) *Alert {
	active := t.store.GetActive()
	if active == "" || ev.RateLimitType == "" {
		return nil
	}

	var utilization float64
	if err := json.Unmarshal(ev.Utilization, &utilization); err != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	profileState, ok := t.state[active]
	if !ok {
		profileState = make(map[string]*typeState)
		t.state[active] = profileState
	}
	ts, ok := profileState[ev.RateLimitType]
	if !ok {
		ts = &typeState{}
		profileState[ev.RateLimitType] = ts
	}

	// Expire the previous window before writing the new values.
	t.checkAutoReset(active, ev.RateLimitType, ts)

	ts.Utilization = utilization
	ts.ResetsAt = ev.ResetsAt

	var alert *Alert
	if utilization >= alertThreshold && !ts.Alerted95 {
		ts.Alerted95 = true
		t.logger.Info("95% alert triggered",
			zap.String("profile", active),
			zap.String("limit_type", ev.RateLimitType),
			zap.Float64("utilization", utilization))
		alert = t.buildAlertLocked(active)
	}

	t.saveState()
	return alert
}

// checkAutoReset clears a record whose window has passed.
// Caller must hold the lock.
func (t *RateLimitTracker) checkAutoReset(profile, rateType string, ts *typeState) bool {
	resetsAt, ok := parseResetsAt(ts.ResetsAt)
	if !ok || resetsAt.After(time.Now()) {
		return false
	}
	ts.Utilization = 0
	ts.ResetsAt = nil
	ts.Alerted95 = false
	t.logger.Info("auto reset",
		zap.String("profile", profile),
		zap.String("limit_type", rateType))
	return true
}

func (t *RateLimitTracker) buildAlertLocked(activeProfile string) *Alert {
	return &Alert{
		Type:          "credential_alert",
		ActiveProfile: activeProfile,
		Profiles:      t.allProfilesStatusLocked(),
	}
}

// GetProfileStatus returns the status snapshot for one profile, keyed by
// limit type. Untracked default types report utilization "unknown".
func (t *RateLimitTracker) GetProfileStatus(name string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profileStatusLocked(name)
}

func (t *RateLimitTracker) profileStatusLocked(name string) map[string]any {
	profileState := t.state[name]
	result := make(map[string]any)
	mutated := false

	statusOf := func(rateType string, ts *typeState) map[string]any {
		if t.checkAutoReset(name, rateType, ts) {
			mutated = true
		}
		var resetsAt any
		if len(ts.ResetsAt) > 0 {
			resetsAt = ts.ResetsAt
		}
		return map[string]any{
			"utilization": ts.Utilization,
			"resets_at":   resetsAt,
		}
	}

	for _, rateType := range defaultLimitTypes {
		ts, ok := profileState[rateType]
		if !ok {
			result[rateType] = map[string]any{
				"utilization": "unknown",
				"resets_at":   nil,
			}
			continue
		}
		result[rateType] = statusOf(rateType, ts)
	}

	// Non-default tracked types are passed through too.
	for rateType, ts := range profileState {
		if _, ok := result[rateType]; ok {
			continue
		}
		result[rateType] = statusOf(rateType, ts)
	}

	if mutated {
		t.saveState()
	}
	return result
}

// GetAllProfilesStatus returns a snapshot for every known profile: all
// stored profiles plus any tracked profile no longer in the store.
func (t *RateLimitTracker) GetAllProfilesStatus() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allProfilesStatusLocked()
}

func (t *RateLimitTracker) allProfilesStatusLocked() []map[string]any {
	profiles := t.store.ListProfiles()

	result := make([]map[string]any, 0, len(profiles))
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		status := t.profileStatusLocked(p.Name)
		status["name"] = p.Name
		result = append(result, status)
		seen[p.Name] = true
	}

	for name := range t.state {
		if seen[name] {
			continue
		}
		status := t.profileStatusLocked(name)
		status["name"] = name
		result = append(result, status)
	}
	return result
}
