package exitlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Config{TTL: ttl, Logger: &mockLogger{}})
	require.NoError(t, err)
	return m
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	m := newTestManager(t, 2*time.Second)

	require.True(t, m.TryAcquire("pos-1", "tick:TrailingStop"))
	assert.False(t, m.TryAcquire("pos-1", "manual:Manual"), "second acquire within TTL must fail")

	src, held := m.HeldBy("pos-1")
	require.True(t, held)
	assert.Equal(t, "tick:TrailingStop", src)
}

func TestTryAcquireConcurrent(t *testing.T) {
	m := newTestManager(t, 2*time.Second)

	const goroutines = 32
	var acquired int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			if m.TryAcquire("pos-1", fmt.Sprintf("g%d", n)) {
				atomic.AddInt64(&acquired, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), acquired, "exactly one goroutine may hold the lock")
}

func TestIndependentPositionsDoNotConflict(t *testing.T) {
	m := newTestManager(t, 2*time.Second)

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("pos-%d", i)
		assert.True(t, m.TryAcquire(id, "tick:InitialStop"), "lock for %s", id)
	}
	assert.Len(t, m.Snapshot(), 6)
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	m := newTestManager(t, 2*time.Second)

	current := time.Now()
	m.now = func() time.Time { return current }

	require.True(t, m.TryAcquire("pos-1", "tick:InitialStop"))
	assert.False(t, m.TryAcquire("pos-1", "manual:Manual"))

	current = current.Add(2500 * time.Millisecond)
	assert.True(t, m.TryAcquire("pos-1", "manual:Manual"), "expired lock must be reclaimable")

	src, held := m.HeldBy("pos-1")
	require.True(t, held)
	assert.Equal(t, "manual:Manual", src)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, 2*time.Second)

	require.True(t, m.TryAcquire("pos-1", "tick:InitialStop"))
	m.Release("pos-1")
	m.Release("pos-1")
	m.Release("never-acquired")

	assert.True(t, m.TryAcquire("pos-1", "tick:InitialStop"), "released lock must be acquirable")
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t, 2*time.Second)

	require.True(t, m.TryAcquire("pos-1", "a"))
	require.True(t, m.TryAcquire("pos-2", "b"))
	m.ClearAll()

	assert.Empty(t, m.Snapshot())
	assert.True(t, m.TryAcquire("pos-1", "a"))
}

func TestCapacityRefusesWhenFullOfLiveLocks(t *testing.T) {
	m, err := NewManager(Config{TTL: time.Minute, MaxEntries: 4, Logger: &mockLogger{}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.True(t, m.TryAcquire(fmt.Sprintf("pos-%d", i), "tick"))
	}
	assert.False(t, m.TryAcquire("pos-overflow", "tick"), "full map of live locks must refuse")

	m.Release("pos-0")
	assert.True(t, m.TryAcquire("pos-overflow", "tick"))
}

func TestEmptyPositionIDRejected(t *testing.T) {
	m := newTestManager(t, 2*time.Second)
	assert.False(t, m.TryAcquire("", "tick"))
}
