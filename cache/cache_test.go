package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTier is an in-memory shared tier with failure injection.
type memTier struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
	sets int
}

func newMemTier() *memTier {
	return &memTier{data: make(map[string][]byte)}
}

var errTierDown = errors.New("connection refused")

func (m *memTier) Name() string { return "mem" }

func (m *memTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errTierDown
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errTierDown
	}
	m.sets++
	m.data[key] = value
	return nil
}

func (m *memTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errTierDown
	}
	delete(m.data, key)
	return nil
}

func (m *memTier) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errTierDown
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memTier) Close() error { return nil }

func (m *memTier) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func TestCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c := New(8)

	_, ok := c.Get(ctx, "1/1.1/abc")
	assert.False(t, ok)

	c.Put(ctx, "1/1.1/abc", "本企业位于苏州。")
	e, ok := c.Get(ctx, "1/1.1/abc")
	require.True(t, ok)
	assert.Equal(t, "本企业位于苏州。", e.Text)
	assert.Equal(t, len("本企业位于苏州。"), e.Size)

	st := c.Stats()
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestCache_EmptyTextIgnored(t *testing.T) {
	c := New(8)
	c.Put(context.Background(), "k", "")
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCache_TTLCountedFromWrite(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New(8, WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	c.Put(ctx, "k", "text")
	now = now.Add(59 * time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalTier_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	tier := NewLocalTier(2)

	require.NoError(t, tier.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, tier.Set(ctx, "b", []byte("2"), 0))
	_, ok, _ := tier.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, tier.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ = tier.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = tier.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = tier.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, 2, tier.Len())
}

func TestCache_SharedHitBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	shared := newMemTier()

	writer := New(8, WithShared(shared))
	writer.Put(ctx, "2/2.1/fp", "shared text")

	reader := New(8, WithShared(shared))
	e, ok := reader.Get(ctx, "2/2.1/fp")
	require.True(t, ok)
	assert.Equal(t, "shared text", e.Text)
	assert.Equal(t, 1, reader.Stats().Size)

	shared.setFail(true)
	e, ok = reader.Get(ctx, "2/2.1/fp")
	require.True(t, ok, "local copy serves while shared tier is down")
	assert.Equal(t, "shared text", e.Text)
}

func TestCache_SharedTierDownIsSilent(t *testing.T) {
	ctx := context.Background()
	shared := newMemTier()
	shared.setFail(true)
	c := New(8, WithShared(shared))

	c.Put(ctx, "k", "text")
	e, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "text", e.Text)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Invalidate(ctx, ""))
}

func TestCache_CorruptSharedEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	shared := newMemTier()
	shared.data["k"] = []byte("not json")
	c := New(8, WithShared(shared))

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	_, present := shared.data["k"]
	assert.False(t, present, "unreadable entry is dropped")
}

func TestCache_InvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	shared := newMemTier()
	c := New(16, WithShared(shared))

	c.Put(ctx, "2/2.1/a", "x")
	c.Put(ctx, "2/2.2/b", "y")
	c.Put(ctx, "5/5.2/c", "z")

	assert.Equal(t, 1, c.Invalidate(ctx, "2/2.1/"))
	_, ok := c.Get(ctx, "2/2.1/a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "2/2.2/b")
	assert.True(t, ok)

	assert.Equal(t, 1, c.Invalidate(ctx, "2/"))
	assert.Equal(t, 1, c.Stats().Size)
	keys, _ := shared.ScanPrefix(ctx, "")
	assert.Equal(t, []string{"5/5.2/c"}, keys)

	assert.Equal(t, 1, c.Invalidate(ctx, ""))
	assert.Equal(t, 0, c.Stats().Size)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New(8)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (*Computed, error) {
		calls.Add(1)
		<-release
		return &Computed{Text: "generated", Cacheable: true}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	texts := make([]string, n)
	origins := make([]Origin, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, origin, err := c.GetOrCompute(ctx, "1/1.1/fp", compute)
			if err == nil {
				texts[i] = res.Text
				origins[i] = origin
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	computed := 0
	for i := 0; i < n; i++ {
		assert.Equal(t, "generated", texts[i])
		if origins[i] == OriginComputed {
			computed++
		}
	}
	assert.Equal(t, 1, computed)
}

func TestGetOrCompute_NonCacheableNotStored(t *testing.T) {
	ctx := context.Background()
	shared := newMemTier()
	c := New(8, WithShared(shared))

	res, origin, err := c.GetOrCompute(ctx, "k", func(context.Context) (*Computed, error) {
		return &Computed{Text: "【待补充】", Cacheable: false, Value: "degraded"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OriginComputed, origin)
	assert.Equal(t, "degraded", res.Value)

	assert.Equal(t, 0, c.Stats().Size)
	assert.Equal(t, 0, shared.sets)

	var calls int
	_, origin, err = c.GetOrCompute(ctx, "k", func(context.Context) (*Computed, error) {
		calls++
		return &Computed{Text: "real", Cacheable: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OriginComputed, origin)
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_HitSkipsCompute(t *testing.T) {
	ctx := context.Background()
	c := New(8)
	c.Put(ctx, "k", "cached")

	res, origin, err := c.GetOrCompute(ctx, "k", func(context.Context) (*Computed, error) {
		t.Fatal("compute must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OriginCache, origin)
	assert.Equal(t, "cached", res.Text)
}

func TestGetOrCompute_ComputeError(t *testing.T) {
	c := New(8)
	boom := errors.New("boom")
	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (*Computed, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestGetOrCompute_CallerCancelLeavesFlightRunning(t *testing.T) {
	c := New(8)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := c.GetOrCompute(ctx, "k", func(fctx context.Context) (*Computed, error) {
			close(started)
			<-release
			if fctx.Err() != nil {
				return nil, fctx.Err()
			}
			return &Computed{Text: "finished", Cacheable: true}, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	<-started
	cancel()
	<-done
	close(release)

	require.Eventually(t, func() bool {
		e, ok := c.Get(context.Background(), "k")
		return ok && e.Text == "finished"
	}, time.Second, 5*time.Millisecond)
}
