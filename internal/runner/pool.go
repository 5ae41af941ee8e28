package runner

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

// Factory constructs a new, unconnected agent runner.
type Factory func() Agent

// PoolConfig sizes the runner pool.
type PoolConfig struct {
	MaxSize             int
	IdleTTL             time.Duration
	MinGeneric          int
	MaintenanceInterval time.Duration
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	SessionCount int   `json:"session_count"`
	GenericCount int   `json:"generic_count"`
	Total        int   `json:"total"`
	MaxSize      int   `json:"max_size"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
}

type sessionEntry struct {
	sessionID string
	agent     Agent
	lastUsed  time.Time
}

type genericEntry struct {
	agent     Agent
	idleSince time.Time
}

// Pool keeps warm runners for reuse. Session-bound runners live in an
// LRU map keyed by agent session id; fresh runners queue in a FIFO.
// The combined size never exceeds MaxSize. A runner handed out by
// Acquire is owned exclusively by the caller until released or
// discarded.
type Pool struct {
	factory Factory
	cfg     PoolConfig
	logger  *logger.Logger

	mu         sync.Mutex
	sessions   map[string]*list.Element // value: *sessionEntry
	sessionLRU *list.List               // front = least recently used
	generic    []*genericEntry
	hits       int64
	misses     int64
	evictions  int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool around the given factory.
func NewPool(factory Factory, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	return &Pool{
		factory:    factory,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "runner-pool")),
		sessions:   make(map[string]*list.Element),
		sessionLRU: list.New(),
		stopCh:     make(chan struct{}),
	}
}

func (p *Pool) totalLocked() int {
	return len(p.sessions) + len(p.generic)
}

// evictLRULocked removes the least recently used entry and returns its
// runner for the caller to discard outside the lock.
func (p *Pool) evictLRULocked() Agent {
	if front := p.sessionLRU.Front(); front != nil {
		entry := front.Value.(*sessionEntry)
		p.sessionLRU.Remove(front)
		delete(p.sessions, entry.sessionID)
		p.evictions++
		p.logger.Info("evicting LRU session runner",
			zap.String("session_id", entry.sessionID),
			zap.Int64("total_evictions", p.evictions))
		return entry.agent
	}
	if len(p.generic) > 0 {
		entry := p.generic[0]
		p.generic = p.generic[1:]
		p.evictions++
		p.logger.Info("evicting LRU generic runner",
			zap.Int64("total_evictions", p.evictions))
		return entry.agent
	}
	return nil
}

func (p *Pool) discard(agent Agent, reason string) {
	if agent == nil {
		return
	}
	if err := agent.Close(); err != nil {
		p.logger.Warn("runner discard failed",
			zap.String("runner_id", agent.ID()),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	p.logger.Debug("runner discarded",
		zap.String("runner_id", agent.ID()),
		zap.String("reason", reason))
}

// Acquire hands out a runner for the given session id ("" for a fresh
// run). The returned runner is removed from the pool.
func (p *Pool) Acquire(sessionID string) Agent {
	var discards []Agent
	defer func() {
		for _, a := range discards {
			p.discard(a, "acquire")
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()

	if sessionID != "" {
		if elem, ok := p.sessions[sessionID]; ok {
			entry := elem.Value.(*sessionEntry)
			p.sessionLRU.Remove(elem)
			delete(p.sessions, sessionID)
			if now.Sub(entry.lastUsed) <= p.cfg.IdleTTL {
				p.hits++
				p.logger.Info("pool acquire hit",
					zap.String("session_id", sessionID),
					zap.Int("session_count", len(p.sessions)),
					zap.Int("generic_count", len(p.generic)))
				return entry.agent
			}
			discards = append(discards, entry.agent)
			p.logger.Info("pool session entry expired",
				zap.String("session_id", sessionID))
		}
		p.misses++
		p.logger.Info("pool acquire miss", zap.String("session_id", sessionID))
	}

	for len(p.generic) > 0 {
		entry := p.generic[0]
		p.generic = p.generic[1:]
		if now.Sub(entry.idleSince) <= p.cfg.IdleTTL {
			p.logger.Info("pool acquire generic",
				zap.String("session_id", sessionID),
				zap.Int("generic_count", len(p.generic)))
			return entry.agent
		}
		discards = append(discards, entry.agent)
		p.logger.Info("pool generic entry expired")
	}

	if p.totalLocked() >= p.cfg.MaxSize {
		if victim := p.evictLRULocked(); victim != nil {
			discards = append(discards, victim)
		}
	}

	p.logger.Info("pool acquire new", zap.String("session_id", sessionID))
	return p.factory()
}

// Release returns a runner after a successful run. With a session id the
// entry lands in the session pool as most recently used, replacing and
// discarding any different runner already bound to that session.
func (p *Pool) Release(agent Agent, sessionID string) {
	var discards []Agent
	defer func() {
		for _, a := range discards {
			p.discard(a, "release")
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()

	if p.totalLocked() >= p.cfg.MaxSize {
		if victim := p.evictLRULocked(); victim != nil {
			discards = append(discards, victim)
		}
	}

	if sessionID != "" {
		if elem, ok := p.sessions[sessionID]; ok {
			old := elem.Value.(*sessionEntry)
			p.sessionLRU.Remove(elem)
			delete(p.sessions, sessionID)
			if old.agent != agent {
				discards = append(discards, old.agent)
			}
		}
		entry := &sessionEntry{sessionID: sessionID, agent: agent, lastUsed: now}
		p.sessions[sessionID] = p.sessionLRU.PushBack(entry)
		p.logger.Info("pool release to session",
			zap.String("session_id", sessionID),
			zap.Int("session_count", len(p.sessions)),
			zap.Int("generic_count", len(p.generic)))
		return
	}

	p.generic = append(p.generic, &genericEntry{agent: agent, idleSince: now})
	p.logger.Info("pool release to generic",
		zap.Int("session_count", len(p.sessions)),
		zap.Int("generic_count", len(p.generic)))
}

// Discard closes a runner without returning it to the pool. Used after
// any failed run so a poisoned runner is never reused.
func (p *Pool) Discard(agent Agent, reason string) {
	p.discard(agent, reason)
}

// PreWarm constructs and connects up to count generic runners. Connect
// failures are logged and skipped. Returns the number warmed.
func (p *Pool) PreWarm(ctx context.Context, count int) int {
	if count <= 0 {
		return 0
	}

	warmed := 0
	for i := 0; i < count; i++ {
		agent := p.factory()
		if err := agent.Connect(ctx); err != nil {
			p.logger.Warn("pre-warm connect failed",
				zap.Int("index", i+1),
				zap.Int("requested", count),
				zap.Error(err))
			continue
		}

		var victim Agent
		p.mu.Lock()
		if p.totalLocked() >= p.cfg.MaxSize {
			victim = p.evictLRULocked()
		}
		p.generic = append(p.generic, &genericEntry{agent: agent, idleSince: time.Now()})
		p.mu.Unlock()
		p.discard(victim, "pre-warm")

		warmed++
	}

	p.logger.Info("pre-warm finished",
		zap.Int("warmed", warmed),
		zap.Int("requested", count))
	return warmed
}

// StartMaintenance launches the background maintenance loop. Idempotent;
// the loop stops on Shutdown.
func (p *Pool) StartMaintenance(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.MaintenanceInterval)
		defer ticker.Stop()
		p.logger.Info("maintenance loop started",
			zap.Duration("interval", p.cfg.MaintenanceInterval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runMaintenance(ctx)
			}
		}
	}()
}

// runMaintenance drops TTL-expired and dead runners and replenishes the
// generic pool up to the configured minimum.
func (p *Pool) runMaintenance(ctx context.Context) {
	now := time.Now()
	var discards []Agent
	var reasons []string

	p.mu.Lock()
	kept := p.generic[:0]
	for _, entry := range p.generic {
		switch {
		case now.Sub(entry.idleSince) > p.cfg.IdleTTL:
			discards = append(discards, entry.agent)
			reasons = append(reasons, "generic ttl_expired")
		case !entry.agent.IsCLIAlive():
			discards = append(discards, entry.agent)
			reasons = append(reasons, "generic dead_subprocess")
		default:
			kept = append(kept, entry)
		}
	}
	p.generic = kept

	for elem := p.sessionLRU.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*sessionEntry)
		if now.Sub(entry.lastUsed) > p.cfg.IdleTTL {
			discards = append(discards, entry.agent)
			reasons = append(reasons, "session ttl_expired")
			p.sessionLRU.Remove(elem)
			delete(p.sessions, entry.sessionID)
		} else if !entry.agent.IsCLIAlive() {
			discards = append(discards, entry.agent)
			reasons = append(reasons, "session dead_subprocess")
			p.sessionLRU.Remove(elem)
			delete(p.sessions, entry.sessionID)
		}
		elem = next
	}
	shortage := p.cfg.MinGeneric - len(p.generic)
	p.mu.Unlock()

	for i, agent := range discards {
		p.discard(agent, reasons[i])
	}
	if len(discards) > 0 {
		p.logger.Info("maintenance pruned runners",
			zap.Int("count", len(discards)),
			zap.Strings("reasons", reasons))
	}

	if shortage > 0 {
		p.logger.Info("replenishing generic pool", zap.Int("shortage", shortage))
		p.PreWarm(ctx, shortage)
	}
}

// Shutdown stops maintenance and closes every pooled runner. Returns the
// number closed cleanly.
func (p *Pool) Shutdown() int {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	var agents []Agent
	for elem := p.sessionLRU.Front(); elem != nil; elem = elem.Next() {
		agents = append(agents, elem.Value.(*sessionEntry).agent)
	}
	p.sessionLRU.Init()
	p.sessions = make(map[string]*list.Element)
	for _, entry := range p.generic {
		agents = append(agents, entry.agent)
	}
	p.generic = nil
	p.mu.Unlock()

	count := 0
	for _, agent := range agents {
		if err := agent.Close(); err != nil {
			p.logger.Warn("shutdown close failed",
				zap.String("runner_id", agent.ID()),
				zap.Error(err))
			continue
		}
		count++
	}
	p.logger.Info("pool shut down", zap.Int("closed", count))
	return count
}

// Stats returns the current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		SessionCount: len(p.sessions),
		GenericCount: len(p.generic),
		Total:        p.totalLocked(),
		MaxSize:      p.cfg.MaxSize,
		Hits:         p.hits,
		Misses:       p.misses,
		Evictions:    p.evictions,
	}
}
