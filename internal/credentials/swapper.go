package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

const backupFileName = "_backup.json"

// Swapper swaps credential profiles into the OS-level agent credentials
// file. Replacements are atomic: any failure before the final rename
// leaves the credentials file untouched.
type Swapper struct {
	store    *Store
	credPath string
	logger   *logger.Logger
}

// NewSwapper creates a swapper over the given store and credentials file.
func NewSwapper(store *Store, credentialsPath string, log *logger.Logger) *Swapper {
	return &Swapper{
		store:    store,
		credPath: credentialsPath,
		logger:   log.WithFields(zap.String("component", "credential-swapper")),
	}
}

// ReadCurrent returns the current credentials file contents.
func (s *Swapper) ReadCurrent() (json.RawMessage, error) {
	data, err := os.ReadFile(s.credPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("credentials file does not exist: %s", s.credPath)
		}
		return nil, err
	}
	return data, nil
}

// SaveCurrentAs stores the live credentials file as a named profile and
// marks it active.
func (s *Swapper) SaveCurrentAs(name string) error {
	data, err := s.ReadCurrent()
	if err != nil {
		return err
	}
	if err := s.store.Save(name, data); err != nil {
		return err
	}
	if err := s.store.SetActive(name); err != nil {
		return err
	}
	s.logger.Info("current credentials saved as profile", zap.String("profile", name))
	return nil
}

// Activate replaces the credentials file with the named profile's
// contents. The previous credentials are backed up to _backup.json in the
// profiles directory first, also atomically.
func (s *Swapper) Activate(name string) error {
	data, err := s.store.Get(name)
	if err != nil {
		return err
	}
	if data == nil {
		return &ErrProfileNotFound{Name: name}
	}

	if current, err := os.ReadFile(s.credPath); err == nil {
		backupPath := filepath.Join(s.store.Dir(), backupFileName)
		if err := atomicWrite(backupPath, current); err != nil {
			return fmt.Errorf("failed to back up current credentials: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read current credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.credPath), 0o755); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	if err := atomicWrite(s.credPath, data); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}

	if err := s.store.SetActive(name); err != nil {
		return err
	}
	s.logger.Info("profile activated", zap.String("profile", name))
	return nil
}
