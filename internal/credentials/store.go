// Package credentials manages named agent credential profiles on disk,
// atomic swapping of the active credentials file, and per-profile
// rate-limit tracking.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

// Profile names start with an alphanumeric and stay within filesystem-safe
// characters. Names beginning with "_" are reserved for internal files.
var validNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

const maxNameLength = 64

const activeFileName = "_active.txt"

// ErrProfileNotFound is returned when a named profile does not exist.
type ErrProfileNotFound struct {
	Name string
}

func (e *ErrProfileNotFound) Error() string {
	return fmt.Sprintf("profile '%s' does not exist", e.Name)
}

// ErrInvalidName is returned for names outside the allowed pattern.
type ErrInvalidName struct {
	Name string
}

func (e *ErrInvalidName) Error() string {
	return fmt.Sprintf("invalid profile name '%s': must start with a letter or digit and contain only letters, digits, hyphens and underscores (max %d chars)", e.Name, maxNameLength)
}

// ProfileMeta is the metadata surfaced for one stored profile.
type ProfileMeta struct {
	Name             string `json:"name"`
	IsActive         bool   `json:"is_active"`
	SavedAt          int64  `json:"saved_at"`
	SubscriptionType string `json:"subscriptionType"`
	RateLimitTier    string `json:"rateLimitTier"`
	ExpiresAt        *int64 `json:"expiresAt"`
}

// Store persists profiles as {dir}/{name}.json and tracks the active
// profile in {dir}/_active.txt.
type Store struct {
	dir    string
	logger *logger.Logger
}

// NewStore creates the store, creating the profiles directory if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profiles dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "credential-store")),
	}, nil
}

// Dir returns the profiles directory.
func (s *Store) Dir() string { return s.dir }

// ValidateName checks a profile name against the allowed pattern.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength || !validNameRe.MatchString(name) {
		return &ErrInvalidName{Name: name}
	}
	return nil
}

func (s *Store) profilePath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) activePath() string {
	return filepath.Join(s.dir, activeFileName)
}

// Save stores a profile atomically (temp file then rename).
func (s *Store) Save(name string, credentials json.RawMessage) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(credentials, &pretty); err != nil {
		return fmt.Errorf("credentials must be valid JSON: %w", err)
	}
	data, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}

	if err := atomicWrite(s.profilePath(name), data); err != nil {
		return fmt.Errorf("failed to save profile '%s': %w", name, err)
	}
	s.logger.Info("profile saved", zap.String("profile", name))
	return nil
}

// Get returns a profile's credentials, nil when absent or unreadable.
func (s *Store) Get(name string) (json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.profilePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Warn("failed to read profile", zap.String("profile", name), zap.Error(err))
		return nil, nil
	}
	if !json.Valid(data) {
		s.logger.Warn("profile file is not valid JSON", zap.String("profile", name))
		return nil, nil
	}
	return data, nil
}

// Delete removes a profile. Deleting the active profile clears the
// active pointer. Returns false if the profile was absent.
func (s *Store) Delete(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	path := s.profilePath(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	s.logger.Info("profile deleted", zap.String("profile", name))

	if s.GetActive() == name {
		s.ClearActive()
	}
	return true, nil
}

// SetActive marks a profile as active; the profile must exist.
func (s *Store) SetActive(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := os.Stat(s.profilePath(name)); err != nil {
		return &ErrProfileNotFound{Name: name}
	}
	if err := os.WriteFile(s.activePath(), []byte(name), 0o644); err != nil {
		return fmt.Errorf("failed to write active pointer: %w", err)
	}
	s.logger.Info("active profile set", zap.String("profile", name))
	return nil
}

// GetActive returns the active profile name, empty when none.
// A pointer to a missing profile is auto-cleared.
func (s *Store) GetActive() string {
	data, err := os.ReadFile(s.activePath())
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return ""
	}
	if _, err := os.Stat(s.profilePath(name)); err != nil {
		s.ClearActive()
		return ""
	}
	return name
}

// ClearActive removes the active pointer.
func (s *Store) ClearActive() {
	if err := os.Remove(s.activePath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to clear active pointer", zap.Error(err))
	} else {
		s.logger.Info("active profile cleared")
	}
}

// ListProfiles returns metadata for every stored profile, sorted by name.
// Internal files (leading underscore) are excluded.
func (s *Store) ListProfiles() []ProfileMeta {
	active := s.GetActive()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var profiles []ProfileMeta
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "_") {
			continue
		}
		profileName := strings.TrimSuffix(name, ".json")

		meta := ProfileMeta{
			Name:             profileName,
			IsActive:         profileName == active,
			SubscriptionType: "unknown",
			RateLimitTier:    "unknown",
		}
		if fi, err := entry.Info(); err == nil {
			meta.SavedAt = fi.ModTime().Unix()
		}

		if data, err := os.ReadFile(filepath.Join(s.dir, name)); err == nil {
			var parsed struct {
				ClaudeAiOauth struct {
					SubscriptionType string `json:"subscriptionType"`
					RateLimitTier    string `json:"rateLimitTier"`
					ExpiresAt        *int64 `json:"expiresAt"`
				} `json:"claudeAiOauth"`
			}
			if json.Unmarshal(data, &parsed) == nil {
				if parsed.ClaudeAiOauth.SubscriptionType != "" {
					meta.SubscriptionType = parsed.ClaudeAiOauth.SubscriptionType
				}
				if parsed.ClaudeAiOauth.RateLimitTier != "" {
					meta.RateLimitTier = parsed.ClaudeAiOauth.RateLimitTier
				}
				meta.ExpiresAt = parsed.ClaudeAiOauth.ExpiresAt
			}
		}
		profiles = append(profiles, meta)
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
