// Package diag decides whether a usable provider session exists for a user
// and, if not, why. It enumerates every credential bundle known for the user,
// replays the reauth handshake against each one and returns a masked report.
package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/codec"
	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/metrics"
	"github.com/haukened/ssidrelay/internal/riot"
	"github.com/haukened/ssidrelay/internal/store/filesystem"
)

// BundleLoader returns the stored bundle of a user. app.Service satisfies it.
type BundleLoader interface {
	LoadBundle(ctx context.Context, id domain.UserID) (domain.Bundle, app.RecordMeta, error)
}

// FallbackSource lists operator-provided bundles, newest first.
type FallbackSource interface {
	Bundles(ctx context.Context, id domain.UserID) ([]filesystem.Fallback, error)
}

// Prober replays the handshake for one candidate. riot.Client satisfies it.
type Prober interface {
	Reauth(ctx context.Context, cr riot.Credentials) riot.Result
}

// Source says where a candidate bundle came from.
type Source string

const (
	SourceStore Source = "store"
	SourceFile  Source = "file"
)

// Attempt is one replayed candidate. Nothing in it is a full secret.
type Attempt struct {
	Label      string          `json:"label"`
	Source     Source          `json:"source"`
	Mode       riot.CookieMode `json:"mode"`
	UserAgent  string          `json:"user_agent"`
	SSID       string          `json:"ssid"`
	Outcome    domain.Outcome  `json:"outcome"`
	Status     int             `json:"status"`
	Steps      []string        `json:"steps"`
	Excerpt    string          `json:"excerpt"`
	DurationMS int64           `json:"duration_ms"`

	session *riot.Session
}

// Report is the result of one diagnosis.
type Report struct {
	UserID       domain.UserID  `json:"user_id"`
	StartedAt    time.Time      `json:"started_at"`
	Egress       string         `json:"egress_ip"`
	EphemeralKey bool           `json:"ephemeral_key"`
	Sources      []string       `json:"sources"`
	Attempts     []Attempt      `json:"attempts"`
	Verdict      domain.Outcome `json:"verdict"`
	Hint         string         `json:"hint"`
	Cancelled    bool           `json:"cancelled"`
	Notes        []string       `json:"notes,omitempty"`
}

// Session returns the session of the successful attempt, if any.
func (r Report) Session() (riot.Session, bool) {
	for _, a := range r.Attempts {
		if a.Outcome == domain.OutcomeSuccess && a.session != nil {
			return *a.session, true
		}
	}
	return riot.Session{}, false
}

// Failure is returned by ResolveSession when no candidate produced a session.
type Failure struct {
	Verdict domain.Outcome
	Report  Report
}

func (f *Failure) Error() string {
	return fmt.Sprintf("no usable session: %s", f.Verdict)
}

// Options wires an Engine.
type Options struct {
	Loader    BundleLoader
	Fallbacks FallbackSource
	Prober    Prober
	// Egress returns the outbound address for the report header; optional.
	Egress func(ctx context.Context) string
	// EphemeralKey is repeated in every report so operators notice that
	// stored records will not survive a restart.
	EphemeralKey bool
	// Budget bounds one run across all candidates; zero means unbounded.
	Budget       time.Duration
	Logger       *slog.Logger
	Metrics      app.Recorder
	Now          func() time.Time
}

// Engine runs diagnoses. Concurrent diagnoses of one user share a single run.
type Engine struct {
	opts  Options
	log   *slog.Logger
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared context of one user's run. It is cancelled once no
// caller is waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New returns an Engine. Loader and Prober are required.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:    opts,
		log:     opts.Logger.With("domain", "diag"),
		flights: make(map[string]*flight),
	}
}

// Diagnose never fails; every problem ends up in the report. Callers joining
// an in-flight run get that run's report. A caller whose context ends first
// gets a cancelled report with no verdict, and the run keeps going for the
// remaining callers.
func (e *Engine) Diagnose(ctx context.Context, id domain.UserID) Report {
	key := id.String()
	f := e.join(ctx, key)
	defer e.leave(key, f)

	ch := e.group.DoChan(key, func() (any, error) {
		runCtx := f.ctx
		if e.opts.Budget > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(f.ctx, e.opts.Budget)
			defer cancel()
		}
		return e.run(runCtx, id), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Report)
	case <-ctx.Done():
		return Report{
			UserID:    id,
			StartedAt: e.opts.Now(),
			Hint:      "diagnosis cancelled",
			Cancelled: true,
		}
	}
}

// join registers a waiter on the flight for key, starting one detached from
// ctx's cancellation if none is live.
func (e *Engine) join(ctx context.Context, key string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		e.flights[key] = f
	}
	f.waiters++
	return f
}

func (e *Engine) leave(key string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.flights[key] == f {
		delete(e.flights, key)
		// the abandoned run must not be joined by later callers
		e.group.Forget(key)
	}
}

// ResolveSession returns the session of the first successful candidate, or
// a *Failure carrying the verdict and the masked report.
func (e *Engine) ResolveSession(ctx context.Context, id domain.UserID) (riot.Session, error) {
	rep := e.Diagnose(ctx, id)
	if sess, ok := rep.Session(); ok {
		return sess, nil
	}
	if err := ctx.Err(); err != nil {
		return riot.Session{}, err
	}
	if rep.Verdict == "" {
		return riot.Session{}, context.DeadlineExceeded
	}
	return riot.Session{}, &Failure{Verdict: rep.Verdict, Report: rep}
}

type candidate struct {
	attempt Attempt
	creds   riot.Credentials
	// preset attempts are recorded without contacting the provider.
	preset bool
}

func (e *Engine) run(ctx context.Context, id domain.UserID) Report {
	start := e.opts.Now()
	rep := Report{UserID: id, StartedAt: start, EphemeralKey: e.opts.EphemeralKey}
	if e.opts.EphemeralKey {
		rep.Notes = append(rep.Notes, "encryption key is ephemeral; stored credentials are lost on restart")
	}
	if !id.Valid() {
		rep.Notes = append(rep.Notes, "invalid user id")
		e.finish(&rep, start)
		return rep
	}
	if e.opts.Egress != nil {
		rep.Egress = riot.MaskIP(e.opts.Egress(ctx))
	}

	for _, c := range e.candidates(ctx, id, &rep) {
		if err := ctx.Err(); err != nil {
			rep.Cancelled = true
			if errors.Is(err, context.DeadlineExceeded) {
				rep.Notes = append(rep.Notes, "time budget exhausted before all candidates were tried")
			}
			break
		}
		a := c.attempt
		if !c.preset {
			t0 := e.opts.Now()
			res := e.opts.Prober.Reauth(ctx, c.creds)
			a.Outcome = res.Outcome
			a.Status = res.Status
			a.Steps = res.Steps
			a.Excerpt = MaskExcerpt(res.Excerpt, c.creds.Bundle.Secrets())
			a.DurationMS = e.opts.Now().Sub(t0).Milliseconds()
			a.session = res.Session
		}
		rep.Attempts = append(rep.Attempts, a)
		if a.Outcome == domain.OutcomeSuccess {
			break
		}
	}
	e.finish(&rep, start)
	return rep
}

// finish sets the verdict: the first success, else the last attempt's
// classification, else no_credentials. A run cancelled before any attempt
// has no verdict.
func (e *Engine) finish(rep *Report, start time.Time) {
	switch n := len(rep.Attempts); {
	case n > 0:
		rep.Verdict = rep.Attempts[n-1].Outcome
	case !rep.Cancelled:
		rep.Verdict = domain.OutcomeNoCredentials
	}
	rep.Hint = rep.Verdict.Hint()
	if note := uaNote(rep.Attempts); note != "" {
		rep.Notes = append(rep.Notes, note)
	}
	if rep.Cancelled {
		rep.Hint = strings.TrimSuffix("diagnosis cancelled; "+rep.Hint, "; ")
	}
	if m := e.opts.Metrics; m != nil {
		m.Inc(metrics.CounterDiagnosticsRun, 1)
		if rep.Verdict == domain.OutcomeSuccess {
			m.Inc(metrics.CounterDiagnosticsSuccess, 1)
		}
		m.Observe(metrics.SummaryDiagAttemptsPerRun, int64(len(rep.Attempts)))
		m.Observe(metrics.SummaryDiagRunDurationMillis, e.opts.Now().Sub(start).Milliseconds())
	}
	e.log.Info("diagnosis", "user_id", rep.UserID.String(), "verdict", rep.Verdict.String(),
		"attempts", len(rep.Attempts), "cancelled", rep.Cancelled)
}

// candidates lists the store bundle then the fallback bundles, each
// expanded into its cookie modes.
func (e *Engine) candidates(ctx context.Context, id domain.UserID, rep *Report) []candidate {
	var out []candidate
	ua := ""
	b, meta, err := e.opts.Loader.LoadBundle(ctx, id)
	switch {
	case err == nil:
		ua = meta.UserAgent
		rep.Sources = append(rep.Sources, fmt.Sprintf("store: ssid=%s ua=%s updated=%s",
			domain.Mask(b.SSID), domain.Mask(ua), meta.UpdatedAt.UTC().Format(time.RFC3339)))
		out = append(out, expand("store", SourceStore, b, ua)...)
	case errors.Is(err, app.ErrNotFound):
		rep.Notes = append(rep.Notes, "store: no record")
	case errors.Is(err, codec.ErrUndecryptable):
		rep.Sources = append(rep.Sources, "store: undecryptable record")
		out = append(out, candidate{preset: true, attempt: Attempt{
			Label: "store", Source: SourceStore, SSID: domain.Mask(""), Outcome: domain.OutcomeMalformed,
			Excerpt: "stored record cannot be decrypted with the configured key",
		}})
	default:
		e.log.Error("load bundle", "user_id", id.String(), "err", err)
		rep.Notes = append(rep.Notes, "store: unavailable")
	}

	if e.opts.Fallbacks != nil {
		fbs, err := e.opts.Fallbacks.Bundles(ctx, id)
		if err != nil {
			rep.Notes = append(rep.Notes, "fallbacks: unreadable")
		}
		for _, fb := range fbs {
			name := filepath.Base(fb.Path)
			rep.Sources = append(rep.Sources, fmt.Sprintf("file %s: ssid=%s modified=%s",
				name, domain.Mask(fb.Bundle.SSID), fb.ModTime.UTC().Format(time.RFC3339)))
			out = append(out, expand("file "+name, SourceFile, fb.Bundle, ua)...)
		}
	}
	return out
}

// expand yields the line, full and ssid modes a bundle supports, in that
// order. ssid-only is tried only when full sends more than ssid. With a
// stored user agent each mode is tried under it first, then under the
// default one.
func expand(label string, src Source, b domain.Bundle, ua string) []candidate {
	agents := []string{""}
	if ua != "" {
		agents = []string{ua, ""}
	}
	var out []candidate
	add := func(mode riot.CookieMode) {
		for _, agent := range agents {
			cr := riot.Credentials{Bundle: b, Mode: mode, UserAgent: agent}
			if cr.CookieHeader() == "" {
				return
			}
			uaLabel := uaDefault
			if agent != "" {
				uaLabel = uaStored
			}
			out = append(out, candidate{creds: cr, attempt: Attempt{
				Label:     label + "/" + string(mode) + "/" + uaLabel,
				Source:    src,
				Mode:      mode,
				UserAgent: uaLabel,
				SSID:      domain.Mask(b.SSID),
			}})
		}
	}
	add(riot.ModeLine)
	add(riot.ModeFull)
	if b.HasExtraCookies() {
		add(riot.ModeSSID)
	}
	return out
}

const (
	uaStored  = "stored"
	uaDefault = "default"
)

// uaNote returns a note when the default user agent got a session for a
// source and mode where the stored one did not. Stored is tried first, so
// the reverse is never observed.
func uaNote(attempts []Attempt) string {
	failed := make(map[string]bool)
	for _, a := range attempts {
		key := strings.TrimSuffix(a.Label, "/"+a.UserAgent)
		switch {
		case a.UserAgent == uaStored && a.Outcome != domain.OutcomeSuccess:
			failed[key] = true
		case a.UserAgent == uaDefault && a.Outcome == domain.OutcomeSuccess && failed[key]:
			return "default user agent works where the stored one fails; the stored user agent may be stale"
		}
	}
	return ""
}
