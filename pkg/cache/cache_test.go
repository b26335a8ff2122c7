package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestEvictsOldestToFit(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](Config{MaxSizeBytes: 100, TTL: time.Hour}, WithClock(clock.now))

	require.True(t, c.PutSized("A", "a", 40))
	clock.advance(time.Second)
	require.True(t, c.PutSized("B", "b", 40))
	clock.advance(time.Second)
	require.True(t, c.PutSized("C", "c", 40))

	_, ok := c.Get("A")
	assert.False(t, ok, "A should have been evicted")
	_, ok = c.Get("B")
	assert.True(t, ok)
	_, ok = c.Get("C")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(80), stats.BytesUsed)
	assert.Equal(t, 2, stats.ItemCount)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestEvictionFollowsLastAccess(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](Config{MaxSizeBytes: 100}, WithClock(clock.now))

	c.PutSized("A", 1, 40)
	clock.advance(time.Second)
	c.PutSized("B", 2, 40)
	clock.advance(time.Second)

	// Reading A makes B the oldest.
	_, ok := c.Get("A")
	require.True(t, ok)
	clock.advance(time.Second)

	c.PutSized("C", 3, 40)

	_, ok = c.Get("B")
	assert.False(t, ok)
	_, ok = c.Get("A")
	assert.True(t, ok)
}

func TestTTLExpiration(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](Config{MaxSizeBytes: 1024, TTL: 10 * time.Second}, WithClock(clock.now))

	c.Put("fresh", "value")
	clock.advance(9 * time.Second)
	v, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	// The read above refreshed the access time.
	clock.advance(9 * time.Second)
	_, ok = c.Get("fresh")
	assert.True(t, ok)

	clock.advance(10*time.Second + time.Millisecond)
	_, ok = c.Get("fresh")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.ItemCount)
	assert.Equal(t, int64(0), stats.BytesUsed)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 1e-9)
}

func TestRejectsOversizedValue(t *testing.T) {
	c := New[string, []byte](Config{MaxSizeBytes: 50})
	require.True(t, c.Put("small", make([]byte, 10)))

	assert.False(t, c.Put("big", make([]byte, 60)))
	_, ok := c.Get("big")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(10), stats.BytesUsed)
	assert.Equal(t, int64(1), stats.Rejections)
	assert.Equal(t, 1, stats.ItemCount)
}

func TestReplaceAdjustsSize(t *testing.T) {
	c := New[string, []byte](Config{MaxSizeBytes: 100})
	c.Put("k", make([]byte, 10))
	assert.Equal(t, int64(10), c.Stats().BytesUsed)

	c.Put("k", make([]byte, 30))
	assert.Equal(t, int64(30), c.Stats().BytesUsed)

	c.Put("k", make([]byte, 5))
	assert.Equal(t, int64(5), c.Stats().BytesUsed)
	assert.Equal(t, 1, c.Len())
}

func TestDeleteAndClear(t *testing.T) {
	c := New[int, string](Config{MaxSizeBytes: 100})
	c.Put(1, "one")
	c.Put(2, "two")

	assert.True(t, c.Delete(1))
	assert.False(t, c.Delete(1))
	assert.Equal(t, int64(3), c.Stats().BytesUsed)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().BytesUsed)
}

func TestBoundHoldsForRandomPuts(t *testing.T) {
	const limit = 1000
	c := New[int, []byte](Config{MaxSizeBytes: limit})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		size := rng.Intn(limit + 200)
		c.Put(rng.Intn(64), make([]byte, size))
		if i%7 == 0 {
			c.Get(rng.Intn(64))
		}
		require.LessOrEqual(t, c.Stats().BytesUsed, int64(limit))
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, []byte](Config{MaxSizeBytes: 4096, TTL: time.Minute})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%50)
				c.Put(key, make([]byte, 64))
				c.Get(key)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Stats().BytesUsed, int64(4096))
}

func TestEstimateSize(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{"nil", nil, 0},
		{"bytes", []byte("hello"), 5},
		{"string", "hello", 5},
		{"float32s", []float32{1, 2, 3}, 12},
		{"float64s", []float64{1, 2}, 16},
		{"int64s", []int64{1}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateSize(tt.value))
		})
	}

	small := EstimateSize(map[string]string{"a": "b"})
	large := EstimateSize(map[string]string{"a": "b", "c": "a much longer value than before"})
	assert.Greater(t, large, small)
}

func TestOnEvictCallback(t *testing.T) {
	var evicted []string
	c := New[string, int](Config{MaxSizeBytes: 10},
		WithOnEvict(func(k string, v int) { evicted = append(evicted, k) }))

	c.PutSized("a", 1, 5)
	c.PutSized("b", 2, 5)
	c.PutSized("c", 3, 5)
	assert.Equal(t, []string{"a"}, evicted)

	c.Delete("b")
	c.Clear()
	assert.Equal(t, []string{"a", "b", "c"}, evicted)
	assert.Equal(t, int64(10), c.Capacity())
}

func TestPeekLeavesEntryUntouched(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](Config{MaxSizeBytes: 100, TTL: time.Minute}, WithClock(clock.now))

	c.PutSized("A", 1, 40)
	clock.advance(time.Second)
	c.PutSized("B", 2, 40)

	v, ok := c.Peek("A")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Peek("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)

	// Peek did not refresh A, so it is still the oldest entry.
	c.PutSized("C", 3, 40)
	_, ok = c.Peek("A")
	assert.False(t, ok)
	_, ok = c.Peek("B")
	assert.True(t, ok)

	clock.advance(2 * time.Minute)
	_, ok = c.Peek("B")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestGetFuncHoldsEntryAgainstEviction(t *testing.T) {
	var evictedDuringFn bool
	inFn := make(chan struct{})
	c := New[string, string](Config{MaxSizeBytes: 100},
		WithOnEvict(func(string, string) {
			select {
			case <-inFn:
			default:
				evictedDuringFn = true
			}
		}))
	c.PutSized("A", "a", 60)

	putDone := make(chan struct{})
	ok := c.GetFunc("A", func(v string) {
		assert.Equal(t, "a", v)
		go func() {
			defer close(putDone)
			c.PutSized("B", "b", 60)
		}()
		select {
		case <-putDone:
			t.Error("put completed while the entry was being read")
		case <-time.After(20 * time.Millisecond):
		}
		close(inFn)
	})
	require.True(t, ok)

	<-putDone
	assert.False(t, evictedDuringFn)
	_, ok = c.Peek("A")
	assert.False(t, ok)
	assert.False(t, c.GetFunc("A", nil))
}
