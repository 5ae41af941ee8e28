// Package resource caps the number of concurrent agent executions.
package resource

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/common/logger"
)

// Manager admits executions up to a fixed concurrency limit. Admission is
// checked again at start time even when CanAcquire was consulted earlier;
// the pre-check only exists to fail fast.
type Manager struct {
	sem    *semaphore.Weighted
	max    int
	active atomic.Int64
	logger *logger.Logger
}

// Stats is a snapshot of the admission state.
type Stats struct {
	ActiveCount   int `json:"active_count"`
	MaxConcurrent int `json:"max_concurrent"`
}

// NewManager creates a manager admitting up to maxConcurrent executions.
func NewManager(maxConcurrent int, log *logger.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		max:    maxConcurrent,
		logger: log.WithFields(zap.String("component", "resource-manager")),
	}
}

// Acquire claims a slot, waiting up to timeout. The returned release
// function must be called exactly once.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		m.logger.Warn("admission denied",
			zap.Int("max_concurrent", m.max),
			zap.Error(err))
		return nil, errors.AdmissionDenied(m.max)
	}

	m.active.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			m.active.Add(-1)
			m.sem.Release(1)
		}
	}, nil
}

// CanAcquire reports whether a slot is free right now, without claiming it.
func (m *Manager) CanAcquire() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.sem.Release(1)
	return true
}

// Stats returns the current admission snapshot.
func (m *Manager) Stats() Stats {
	return Stats{
		ActiveCount:   int(m.active.Load()),
		MaxConcurrent: m.max,
	}
}
