package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulstream/soulstream/internal/common/logger"
)

type fakeAgent struct {
	id         string
	connectErr error

	mu     sync.Mutex
	alive  bool
	closed bool
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, alive: true}
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeAgent) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	return &RunResult{Success: true, Output: "ok"}, nil
}

func (f *fakeAgent) Interrupt(ctx context.Context) bool { return false }

func (f *fakeAgent) SetToolPolicy(allowed, disallowed []string) {}

func (f *fakeAgent) IsCLIAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

func (f *fakeAgent) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *int) {
	t.Helper()
	made := 0
	pool := NewPool(func() Agent {
		made++
		return newFakeAgent(fmt.Sprintf("new-%d", made))
	}, cfg, logger.Default())
	return pool, &made
}

func TestPoolSessionHitReturnsSameRunner(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 3, IdleTTL: time.Minute})

	r := newFakeAgent("r1")
	pool.Release(r, "S1")

	got := pool.Acquire("S1")
	assert.Same(t, r, got)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, 0, stats.SessionCount, "acquired runner must leave the pool")
}

func TestPoolSessionMissFallsBackToGeneric(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 3, IdleTTL: time.Minute})

	g := newFakeAgent("g1")
	pool.Release(g, "")

	got := pool.Acquire("unknown-session")
	assert.Same(t, g, got)
	assert.Equal(t, int64(1), pool.Stats().Misses)
}

func TestPoolGenericIsFIFO(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 3, IdleTTL: time.Minute})

	first := newFakeAgent("g1")
	second := newFakeAgent("g2")
	pool.Release(first, "")
	pool.Release(second, "")

	assert.Same(t, first, pool.Acquire(""))
	assert.Same(t, second, pool.Acquire(""))
}

func TestPoolExpiredSessionEntryIsDiscarded(t *testing.T) {
	pool, made := newTestPool(t, PoolConfig{MaxSize: 3, IdleTTL: time.Millisecond})

	r := newFakeAgent("r1")
	pool.Release(r, "S1")
	time.Sleep(5 * time.Millisecond)

	got := pool.Acquire("S1")
	assert.NotSame(t, r, got)
	assert.True(t, r.isClosed())
	assert.Equal(t, 1, *made)
	assert.Equal(t, int64(1), pool.Stats().Misses)
}

func TestPoolEvictionUnderPressure(t *testing.T) {
	pool, made := newTestPool(t, PoolConfig{MaxSize: 2, IdleTTL: time.Minute})

	older := newFakeAgent("a")
	newer := newFakeAgent("b")
	pool.Release(older, "A")
	pool.Release(newer, "B")

	got := pool.Acquire("C")
	require.Equal(t, 1, *made, "a new runner must be constructed")
	assert.NotSame(t, older, got)
	assert.NotSame(t, newer, got)
	assert.True(t, older.isClosed(), "the oldest session entry is evicted")
	assert.False(t, newer.isClosed())

	pool.Release(got, "C")

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 2, stats.SessionCount)
	assert.Same(t, newer, pool.Acquire("B"))
	assert.Same(t, got, pool.Acquire("C"))
}

func TestPoolReleaseReplacesDifferentRunnerForSession(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 3, IdleTTL: time.Minute})

	old := newFakeAgent("old")
	replacement := newFakeAgent("new")
	pool.Release(old, "S1")
	pool.Release(replacement, "S1")

	assert.True(t, old.isClosed())
	assert.Same(t, replacement, pool.Acquire("S1"))
	assert.Equal(t, 0, pool.Stats().SessionCount)
}

func TestPoolSizeNeverExceedsMax(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 2, IdleTTL: time.Minute})

	for i := 0; i < 5; i++ {
		pool.Release(newFakeAgent(fmt.Sprintf("s%d", i)), fmt.Sprintf("S%d", i))
		assert.LessOrEqual(t, pool.Stats().Total, 2)
	}
	for i := 0; i < 3; i++ {
		pool.Release(newFakeAgent(fmt.Sprintf("g%d", i)), "")
		assert.LessOrEqual(t, pool.Stats().Total, 2)
	}
}

func TestPoolPreWarm(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 5, IdleTTL: time.Minute})

	warmed := pool.PreWarm(context.Background(), 3)
	assert.Equal(t, 3, warmed)
	assert.Equal(t, 3, pool.Stats().GenericCount)
}

func TestPoolPreWarmSkipsConnectFailures(t *testing.T) {
	made := 0
	pool := NewPool(func() Agent {
		made++
		a := newFakeAgent(fmt.Sprintf("w%d", made))
		if made == 2 {
			a.connectErr = errors.New("spawn failed")
		}
		return a
	}, PoolConfig{MaxSize: 5, IdleTTL: time.Minute}, logger.Default())

	warmed := pool.PreWarm(context.Background(), 3)
	assert.Equal(t, 2, warmed)
	assert.Equal(t, 2, pool.Stats().GenericCount)
}

func TestPoolMaintenancePrunesDeadAndReplenishes(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{
		MaxSize:    5,
		IdleTTL:    time.Minute,
		MinGeneric: 1,
	})

	dead := newFakeAgent("dead")
	dead.mu.Lock()
	dead.alive = false
	dead.mu.Unlock()
	pool.Release(dead, "")

	stale := newFakeAgent("stale")
	stale.mu.Lock()
	stale.alive = false
	stale.mu.Unlock()
	pool.Release(stale, "S1")

	pool.runMaintenance(context.Background())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.SessionCount)
	assert.Equal(t, 1, stats.GenericCount, "generic pool replenished to min_generic")
	assert.True(t, dead.isClosed())
	assert.True(t, stale.isClosed())
}

func TestPoolShutdownClosesEverything(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSize: 5, IdleTTL: time.Minute})

	s := newFakeAgent("s")
	g := newFakeAgent("g")
	pool.Release(s, "S1")
	pool.Release(g, "")

	count := pool.Shutdown()
	assert.Equal(t, 2, count)
	assert.True(t, s.isClosed())
	assert.True(t, g.isClosed())
	assert.Equal(t, 0, pool.Stats().Total)
}
