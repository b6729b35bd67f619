// ABOUTME: Tests for the event ID dedupe cache
// ABOUTME: Validates expiry, size bounds, sweeping and concurrent first-wins semantics

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newCache(ttl, maxSize, clock.Now, 0), clock
}

func TestCache_Seen(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)
	defer cache.Close()

	assert.False(t, cache.Seen("100:1"), "first delivery is new")
	assert.True(t, cache.Seen("100:1"), "second delivery is a duplicate")
	assert.False(t, cache.Seen("100:2"))
}

func TestCache_EmptyIDNeverDuplicate(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)
	defer cache.Close()

	assert.False(t, cache.Seen(""))
	assert.False(t, cache.Seen(""))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Expiry(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)
	defer cache.Close()

	cache.Seen("evt")
	clock.Advance(59 * time.Second)
	assert.True(t, cache.Seen("evt"))

	clock.Advance(2 * time.Second)
	assert.False(t, cache.Seen("evt"), "expired ids are accepted again")
	assert.True(t, cache.Seen("evt"))
}

func TestCache_EvictsOldest(t *testing.T) {
	cache, clock := newTestCache(time.Hour, 3)
	defer cache.Close()

	for i := range 3 {
		cache.Seen(fmt.Sprintf("evt-%d", i))
		clock.Advance(time.Second)
	}
	cache.Seen("evt-3")

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("evt-0"), "oldest was evicted")
	assert.True(t, cache.Seen("evt-3"))
}

func TestCache_Sweep(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)
	defer cache.Close()

	cache.Seen("old-1")
	cache.Seen("old-2")
	clock.Advance(45 * time.Second)
	cache.Seen("fresh")
	clock.Advance(30 * time.Second)

	cache.sweep()
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("fresh"))
}

func TestCache_ConcurrentFirstWins(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 100)
	defer cache.Close()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.Seen("same-event") {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestNew_Defaults(t *testing.T) {
	cache := New(0, 0)
	defer cache.Close()

	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}
