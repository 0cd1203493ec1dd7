package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/ssidrelay/internal/metrics"
	"github.com/haukened/ssidrelay/internal/nonce"
)

type fakeSweeper struct {
	mu    sync.Mutex
	count int
	err   error
	calls int
	at    []time.Time
}

func (f *fakeSweeper) SweepExpired(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.at = append(f.at, now)
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func (f *fakeSweeper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu  sync.Mutex
	inc map[string]int64
	obs map[string][]int64
}

func (r *fakeRecorder) Inc(name string, d int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inc == nil {
		r.inc = map[string]int64{}
	}
	r.inc[name] += d
}

func (r *fakeRecorder) Observe(name string, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.obs == nil {
		r.obs = map[string][]int64{}
	}
	r.obs[name] = append(r.obs[name], v)
}

func TestCycleSuccess(t *testing.T) {
	fs := &fakeSweeper{count: 3}
	rec := &fakeRecorder{}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	j := New(fs, Config{Interval: time.Hour, Metrics: rec, Now: func() time.Time { return at }})
	j.runCycle(context.Background())
	sv := j.StatsSnapshot()
	assert.Equal(t, uint64(1), sv.Cycles)
	assert.Equal(t, uint64(3), sv.Swept)
	assert.Equal(t, []time.Time{at}, fs.at)
	assert.Equal(t, int64(3), rec.inc[metrics.CounterNoncesSwept])
	assert.Equal(t, []int64{3}, rec.obs[metrics.SummaryJanitorSweptPerCycle])
}

func TestCycleError(t *testing.T) {
	fs := &fakeSweeper{err: errors.New("boom")}
	rec := &fakeRecorder{}
	j := New(fs, Config{Interval: time.Hour, Metrics: rec})
	j.runCycle(context.Background())
	sv := j.StatsSnapshot()
	assert.Equal(t, uint64(1), sv.Cycles)
	assert.Zero(t, sv.Swept)
	assert.Zero(t, rec.inc[metrics.CounterNoncesSwept])
}

func TestLoopRunsAndStops(t *testing.T) {
	fs := &fakeSweeper{count: 1}
	j := New(fs, Config{Interval: 5 * time.Millisecond})
	j.Start(context.Background())
	j.Start(context.Background())
	assert.Eventually(t, func() bool { return fs.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	j.Stop()
	j.Stop()
	n := fs.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, fs.Calls(), "no cycles after Stop")
}

func TestRunReturnsOnCancel(t *testing.T) {
	j := New(&fakeSweeper{}, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSweepsMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := nonce.NewMemory(time.Minute, nil)
	for range 3 {
		_, err := reg.Issue(ctx)
		require.NoError(t, err)
	}
	later := time.Now().UTC().Add(2 * time.Minute)
	j := New(reg, Config{Interval: time.Hour, Now: func() time.Time { return later }})
	j.runCycle(ctx)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, uint64(3), j.StatsSnapshot().Swept)
}
