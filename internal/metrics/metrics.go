// Package metrics provides a lightweight persistent metrics manager.
// It batches in-memory counter and summary observations and periodically
// flushes them to the same SQL database that holds credentials. Only
// monotonic counters and simple (count,sum,min,max) summaries are supported.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Names for counters used by the application.
const (
	CounterNoncesIssued       = "nonces_issued_total"
	CounterCredentialsSaved   = "credentials_saved_total"
	CounterIngestRejected     = "ingest_rejected_total"
	CounterDiagnosticsRun     = "diagnostics_run_total"
	CounterDiagnosticsSuccess = "diagnostics_success_total"
	CounterNoncesSwept        = "nonces_swept_total"
)

// Summary names.
const (
	SummaryDiagAttemptsPerRun    = "diag_attempts_per_run"
	SummaryJanitorSweptPerCycle  = "janitor_swept_per_cycle"
	SummaryDiagRunDurationMillis = "diag_run_ms"
)

// Config controls flush cadence, logging and SQL placeholder style.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
	// Rebind rewrites "?" placeholders for the target driver; nil keeps them.
	Rebind func(string) string
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg     Config
	db      *sql.DB
	events  chan event
	stop    chan struct{}
	done    chan struct{}
	started bool

	// in-memory deltas (protected by mu)
	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]*SummaryView
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// SummaryView aggregates observations of one summary.
type SummaryView struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// New creates a Manager. Call Start to begin background flushing.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rebind == nil {
		cfg.Rebind = func(q string) string { return q }
	}
	return &Manager{
		cfg:       cfg,
		db:        db,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]*SummaryView),
	}
}

// InitSchema ensures metrics tables exist. The DDL is valid for both SQLite
// and PostgreSQL.
func (m *Manager) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS metrics_counters (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);`,
		`CREATE TABLE IF NOT EXISTS metrics_summaries (
		name TEXT PRIMARY KEY,
		count BIGINT NOT NULL,
		sum BIGINT NOT NULL,
		min BIGINT NOT NULL,
		max BIGINT NOT NULL
	);`,
	}
	for _, q := range ddl {
		if _, err := m.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Run launches the flush loop and blocks until ctx is done or Stop is
// called, then performs a final flush.
func (m *Manager) Run(ctx context.Context) error {
	m.Start(ctx)
	select {
	case <-ctx.Done():
	case <-m.done:
	}
	<-m.done
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	m.drain()
	return m.flush(flushCtx)
}

// Start launches the background flush loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop(ctx)
}

// Stop signals the flush loop to exit and performs a final flush.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
		<-m.done
	}
	m.drain()
	_ = m.flush(ctx)
}

// Inc increments a counter by delta (>=1).
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	select {
	case m.events <- event{kind: eventInc, name: name, v: delta}:
	default:
		// channel full; best-effort drop
	}
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	select {
	case m.events <- event{kind: eventObserve, name: name, v: value}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies any queued events without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		if agg == nil {
			m.summaries[ev.name] = &SummaryView{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v}
			return
		}
		agg.Count++
		agg.Sum += ev.v
		if ev.v < agg.Min {
			agg.Min = ev.v
		}
		if ev.v > agg.Max {
			agg.Max = ev.v
		}
	}
}

// Snapshot returns persisted values with in-memory deltas layered on top.
func (m *Manager) Snapshot(ctx context.Context) (counters map[string]int64, summaries map[string]SummaryView, err error) {
	counters = make(map[string]int64)
	summaries = make(map[string]SummaryView)
	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return nil, nil, err
		}
		counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	srows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return nil, nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var c, s, mn, mx int64
		if err := srows.Scan(&n, &c, &s, &mn, &mx); err != nil {
			return nil, nil, err
		}
		summaries[n] = SummaryView{Count: c, Sum: s, Min: mn, Max: mx}
	}
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}
	m.drain()
	m.mu.Lock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, agg := range m.summaries {
		cur, ok := summaries[n]
		if !ok {
			summaries[n] = *agg
			continue
		}
		cur.Count += agg.Count
		cur.Sum += agg.Sum
		cur.Min = min(cur.Min, agg.Min)
		cur.Max = max(cur.Max, agg.Max)
		summaries[n] = cur
	}
	m.mu.Unlock()
	return counters, summaries, nil
}

const (
	upsertCounter = `INSERT INTO metrics_counters(name,value) VALUES(?,?)
ON CONFLICT(name) DO UPDATE SET value = metrics_counters.value + excluded.value`
	upsertSummary = `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET
count = metrics_summaries.count + excluded.count,
sum = metrics_summaries.sum + excluded.sum,
min = CASE WHEN excluded.min < metrics_summaries.min THEN excluded.min ELSE metrics_summaries.min END,
max = CASE WHEN excluded.max > metrics_summaries.max THEN excluded.max ELSE metrics_summaries.max END`
)

// flush writes in-memory deltas in a single transaction and resets them.
// On failure the deltas are merged back so nothing is lost.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	cCopy := m.counters
	sCopy := m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]*SummaryView)
	m.mu.Unlock()

	err := m.write(ctx, cCopy, sCopy)
	if err != nil {
		m.restore(cCopy, sCopy)
	}
	return err
}

func (m *Manager) write(ctx context.Context, counters map[string]int64, summaries map[string]*SummaryView) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	qc, qs := m.cfg.Rebind(upsertCounter), m.cfg.Rebind(upsertSummary)
	for name, delta := range counters {
		if _, err := tx.ExecContext(ctx, qc, name, delta); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for name, agg := range summaries {
		if _, err := tx.ExecContext(ctx, qs, name, agg.Count, agg.Sum, agg.Min, agg.Max); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) restore(counters map[string]int64, summaries map[string]*SummaryView) {
	for name, v := range counters {
		m.apply(event{kind: eventInc, name: name, v: v})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, agg := range summaries {
		cur := m.summaries[name]
		if cur == nil {
			m.summaries[name] = agg
			continue
		}
		cur.Count += agg.Count
		cur.Sum += agg.Sum
		cur.Min = min(cur.Min, agg.Min)
		cur.Max = max(cur.Max, agg.Max)
	}
}
