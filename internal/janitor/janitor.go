// Package janitor implements background reclamation of expired nonces. It
// runs independently from request handling so expiry never depends on a
// nonce being looked up again.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/ssidrelay/internal/metrics"
)

// Sweeper drops expired entries at or before now and returns how many were
// removed. nonce.Memory satisfies it.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Recorder receives per-cycle figures. metrics.Manager satisfies it.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // how often a cycle begins
	Logger   *slog.Logger  // optional logger (defaults to slog.Default())
	Metrics  Recorder      // optional
	Now      func() time.Time
}

// Stats accumulates in-memory counters for operational insight.
type Stats struct {
	mu                  sync.Mutex
	Cycles              uint64
	Swept               uint64
	CycleLastDurationMS int64
}

// StatsView is a read-only snapshot safe to copy.
type StatsView struct {
	Cycles              uint64
	Swept               uint64
	CycleLastDurationMS int64
}

func (s *Stats) record(swept int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cycles++
	if swept > 0 {
		s.Swept += uint64(swept)
	}
	s.CycleLastDurationMS = d.Milliseconds()
}

// Janitor encapsulates the background sweep loop.
type Janitor struct {
	sweeper Sweeper
	cfg     Config
	stats   *Stats

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs but does not start a Janitor.
func New(sweeper Sweeper, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Janitor{
		sweeper: sweeper,
		cfg:     cfg,
		stats:   &Stats{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run sweeps every interval until ctx is done or Stop is called.
func (j *Janitor) Run(ctx context.Context) error {
	j.Start(ctx)
	<-j.doneCh
	return nil
}

// Start launches the loop in a new goroutine. Later calls are no-ops.
func (j *Janitor) Start(ctx context.Context) {
	j.startOnce.Do(func() { go j.loop(ctx) })
}

// Stop signals the loop to exit and waits for completion. It must only be
// called after Start.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// StatsSnapshot returns a copy of current stats.
func (j *Janitor) StatsSnapshot() StatsView {
	j.stats.mu.Lock()
	defer j.stats.mu.Unlock()
	return StatsView{
		Cycles:              j.stats.Cycles,
		Swept:               j.stats.Swept,
		CycleLastDurationMS: j.stats.CycleLastDurationMS,
	}
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	ticker := time.NewTicker(j.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	count, err := j.sweeper.SweepExpired(ctx, j.cfg.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweep", "error", err)
	}
	elapsed := time.Since(start)
	j.stats.record(count, elapsed)
	if m := j.cfg.Metrics; m != nil {
		if count > 0 {
			m.Inc(metrics.CounterNoncesSwept, int64(count))
		}
		m.Observe(metrics.SummaryJanitorSweptPerCycle, int64(count))
	}
	log.Debug("cycle complete", "swept", count, "ms", elapsed.Milliseconds())
}
