package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable Clock.
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
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestMemoryConsumeOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, nil)
	n, err := m.Issue(ctx)
	require.NoError(t, err)
	assert.Len(t, n.Value, 32)
	assert.Equal(t, DefaultTTL, n.TTL)
	assert.Equal(t, n.IssuedAt.Add(DefaultTTL), n.ExpiresAt())

	ok, err := m.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.False(t, ok, "replay must fail")
}

func TestMemoryUnknownAndEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, nil)
	n, err := m.Issue(ctx)
	require.NoError(t, err)

	for _, tok := range []string{"", "nope", n.Value + "x"} {
		ok, err := m.Consume(ctx, tok)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, m.Len(), "failed consumes must not mutate state")
	ok, _ := m.Consume(ctx, n.Value)
	assert.True(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(DefaultTTL, clk)
	n, err := m.Issue(ctx)
	require.NoError(t, err)

	clk.Advance(DefaultTTL)
	ok, err := m.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.False(t, ok, "token used at its expiry instant must fail")
	assert.Equal(t, 0, m.Len(), "expired token is reclaimed on access")
}

func TestMemoryWithinTTL(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(DefaultTTL, clk)
	n, err := m.Issue(ctx)
	require.NoError(t, err)
	clk.Advance(DefaultTTL - time.Second)
	ok, err := m.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemorySweepExpired(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(time.Minute, clk)
	for i := 0; i < 3; i++ {
		_, err := m.Issue(ctx)
		require.NoError(t, err)
	}
	clk.Advance(30 * time.Second)
	fresh, err := m.Issue(ctx)
	require.NoError(t, err)

	n, err := m.SweepExpired(ctx, clk.Now().Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, m.Len())
	ok, _ := m.Consume(ctx, fresh.Value)
	assert.True(t, ok)
}

func TestMemoryConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, nil)
	n, err := m.Issue(ctx)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Consume(ctx, n.Value); ok {
				wins.Add(1)
			}
			_, _ = m.Issue(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 64, m.Len())
}

func newRedisRegistry(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ttl, ""), mr
}

func TestRedisConsumeOnce(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRegistry(t, 0)
	require.NoError(t, r.Ping(ctx))

	n, err := r.Issue(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(defaultRedisPrefix+n.Value))
	assert.Equal(t, DefaultTTL, mr.TTL(defaultRedisPrefix+n.Value))

	ok, err := r.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Consume(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRegistry(t, DefaultTTL)
	n, err := r.Issue(ctx)
	require.NoError(t, err)
	mr.FastForward(DefaultTTL + time.Second)
	ok, err := r.Consume(ctx, n.Value)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisServerDown(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRegistry(t, time.Minute)
	mr.Close()
	_, err := r.Issue(ctx)
	assert.Error(t, err)
	_, err = r.Consume(ctx, "tok")
	assert.Error(t, err)
}
