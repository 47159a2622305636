package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/tripwire/internal/domain"
)

func TestTryAcquireWindow(t *testing.T) {
	tr := New()
	id := uuid.New()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.True(t, tr.TryAcquire(id, 5*time.Minute, t0))
	assert.False(t, tr.TryAcquire(id, 5*time.Minute, t0.Add(30*time.Second)))
	assert.False(t, tr.TryAcquire(id, 5*time.Minute, t0.Add(4*time.Minute+59*time.Second)))

	last, ok := tr.LastFired(id)
	require.True(t, ok)
	assert.Equal(t, t0, last, "suppressed attempts must not move the fire time")

	assert.True(t, tr.TryAcquire(id, 5*time.Minute, t0.Add(5*time.Minute)))
}

func TestTryAcquireIndependentRules(t *testing.T) {
	tr := New()
	now := time.Now()
	assert.True(t, tr.TryAcquire(uuid.New(), time.Minute, now))
	assert.True(t, tr.TryAcquire(uuid.New(), time.Minute, now))
	assert.Equal(t, 2, tr.Len())
}

func TestTryAcquireConcurrent(t *testing.T) {
	tr := New()
	id := uuid.New()
	now := time.Now()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryAcquire(id, 5*time.Minute, now) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRebuildKeepsLatest(t *testing.T) {
	tr := New()
	a, b := uuid.New(), uuid.New()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	n := tr.Rebuild([]domain.ExecutionLogEntry{
		{RuleID: a, CreatedAt: t0.Add(2 * time.Minute), Status: domain.ExecutionSuccess},
		{RuleID: a, CreatedAt: t0, Status: domain.ExecutionFailed},
		{RuleID: b, CreatedAt: t0, Status: domain.ExecutionFailed},
	})
	assert.Equal(t, 2, n)

	last, _ := tr.LastFired(a)
	assert.Equal(t, t0.Add(2*time.Minute), last)
	assert.False(t, tr.TryAcquire(a, 5*time.Minute, t0.Add(4*time.Minute)))
	assert.False(t, tr.TryAcquire(b, 5*time.Minute, t0.Add(4*time.Minute)))

	tr.Forget(b)
	assert.True(t, tr.TryAcquire(b, 5*time.Minute, t0.Add(4*time.Minute)))
}
