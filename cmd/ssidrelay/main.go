// Package main provides the ssidrelay binary. It receives provider session
// cookies from browser extensions, stores them encrypted and diagnoses
// whether a stored session still works.
//
// Subcommands:
//
//	serve             run the HTTP receiver with its background loops (default)
//	diag <user_id>    print the masked diagnostic report; exit 0 only on success
//	store <user_id>   resolve a session and print the daily offers
//
// Configuration comes from RELAY_* environment variables (see internal/config).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/codec"
	"github.com/haukened/ssidrelay/internal/config"
	"github.com/haukened/ssidrelay/internal/diag"
	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/httpx"
	"github.com/haukened/ssidrelay/internal/janitor"
	"github.com/haukened/ssidrelay/internal/metrics"
	"github.com/haukened/ssidrelay/internal/nonce"
	"github.com/haukened/ssidrelay/internal/riot"
	"github.com/haukened/ssidrelay/internal/store"
	"github.com/haukened/ssidrelay/internal/store/filesystem"
	"github.com/haukened/ssidrelay/internal/store/postgres"
	"github.com/haukened/ssidrelay/internal/store/sqlite"
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

const usage = `usage: ssidrelay [serve | diag <user_id> | store <user_id>]`

func setupLogging(cfg *config.Config, w io.Writer) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dir, 0o700)
	case err != nil:
		return err
	case !st.IsDir():
		return fmt.Errorf("data path %q is not a directory", dir)
	}
	return nil
}

// database is the opened credential database and its dialect helpers.
type database struct {
	db     *sql.DB
	index  *store.SQLIndex
	rebind func(string) string
}

// openDatabase selects PostgreSQL when a database URL is configured and the
// SQLite file in the data directory otherwise.
func openDatabase(ctx context.Context, cfg *config.Config) (*database, error) {
	if cfg.UsePostgres() {
		if !postgres.IsURL(cfg.DatabaseURL) {
			return nil, errors.New("database url is not a postgres url")
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &database{db: db, index: postgres.New(db), rebind: postgres.Rebind}, nil
	}
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.SQLitePath())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &database{db: db, index: sqlite.New(db), rebind: func(q string) string { return q }}, nil
}

// nonceRegistry is the configured registry. sweeper is set only for the
// in-process registry; Redis expires keys on its own.
type nonceRegistry struct {
	registry nonce.Registry
	sweeper  *nonce.Memory
	closer   io.Closer
}

func newNonceRegistry(ctx context.Context, cfg *config.Config) (*nonceRegistry, error) {
	if cfg.RedisAddr == "" {
		mem := nonce.NewMemory(cfg.NonceTTL, nil)
		return &nonceRegistry{registry: mem, sweeper: mem}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	reg := nonce.NewRedis(client, cfg.NonceTTL, "")
	if err := reg.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &nonceRegistry{registry: reg, closer: client}, nil
}

// core holds what every subcommand needs.
type core struct {
	db      *database
	codec   *codec.Codec
	service *app.Service
	riot    *riot.Client
	engine  *diag.Engine
}

// buildCore wires the codec, service, provider client and diagnostic engine
// on top of an opened database. rec may be nil.
func buildCore(cfg *config.Config, db *database, rec app.Recorder, egress bool) (*core, error) {
	c, err := codec.New(cfg.EncKey, cfg.KeyVersion, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	fallbacks, err := filesystem.New(cfg.FallbackDir)
	if err != nil {
		return nil, fmt.Errorf("fallback dir: %w", err)
	}
	client, err := riot.NewClient(riot.Options{ProxyURL: cfg.ProxyURL, Timeout: cfg.ProbeTimeout})
	if err != nil {
		return nil, err
	}
	clock := realClock{}
	svc := &app.Service{
		Codec:   c,
		Store:   store.New(db.index, clock),
		Clock:   clock,
		Metrics: rec,
	}
	opts := diag.Options{
		Loader:       svc,
		Fallbacks:    fallbacks,
		Prober:       client,
		EphemeralKey: c.Ephemeral(),
		Budget:       diagBudget(cfg),
		Metrics:      rec,
	}
	if egress {
		opts.Egress = client.EgressIP
	}
	return &core{db: db, codec: c, service: svc, riot: client, engine: diag.New(opts)}, nil
}

// diagBudget bounds one diagnosis across all candidates.
func diagBudget(cfg *config.Config) time.Duration {
	return 3 * cfg.ProbeTimeout
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// a store fetch is a full diagnosis plus one storefront request
		WriteTimeout: diagBudget(cfg) + cfg.ProbeTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func buildHandler(cfg *config.Config, c *core, nonces nonce.Registry, mgr *metrics.Manager) http.Handler {
	h := httpx.New(c.service, nonces, cfg.MaxBytes.Int64(), c.db.db.PingContext)
	h.Diagnoser = c.engine
	h.Store = &riot.Pipeline{Sessions: c.engine, Client: c.riot}
	h.DiagToken = cfg.DiagToken
	h.Metrics = mgr
	h.MetricsView = metrics.Handler(mgr, cfg.MetricsToken)
	h.AllowedOrigins = cfg.AllowedOrigins
	return h.Router()
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.db.Close()
	mgr := metrics.New(db.db, metrics.Config{FlushInterval: cfg.MetricsFlush, Rebind: db.rebind})
	if err := mgr.InitSchema(ctx); err != nil {
		return fmt.Errorf("metrics schema: %w", err)
	}
	c, err := buildCore(cfg, db, mgr, true)
	if err != nil {
		return err
	}

	nr, err := newNonceRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if nr.closer != nil {
		defer nr.closer.Close()
	}
	c.service.Nonces = nr.registry

	srv := newServer(cfg, buildHandler(cfg, c, nr.registry, mgr))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	if nr.sweeper != nil {
		j := janitor.New(nr.sweeper, janitor.Config{Interval: cfg.JanitorInterval, Metrics: mgr})
		g.Go(func() error { return j.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid(),
			"backend", backendName(cfg), "shared_nonces", nr.sweeper == nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	return g.Wait()
}

func backendName(cfg *config.Config) string {
	if cfg.UsePostgres() {
		return postgres.Dialect.Name
	}
	return sqlite.Dialect.Name
}

// writeDiagnosis prints the text report and returns the exit code.
func writeDiagnosis(ctx context.Context, e *diag.Engine, raw string, w io.Writer) int {
	id, err := domain.ParseUserID(raw)
	if err != nil {
		fmt.Fprintf(w, "invalid user id %q\n", raw)
		return 2
	}
	rep := e.Diagnose(ctx, id)
	if err := rep.WriteText(w); err != nil {
		return 1
	}
	if rep.Verdict != domain.OutcomeSuccess {
		return 1
	}
	return 0
}

// writeStorefront prints the daily offers as JSON and returns the exit code.
func writeStorefront(ctx context.Context, f httpx.StoreFetcher, raw string, w io.Writer) int {
	id, err := domain.ParseUserID(raw)
	if err != nil {
		fmt.Fprintf(w, "invalid user id %q\n", raw)
		return 2
	}
	sf, err := f.Fetch(ctx, id)
	if err != nil {
		var fail *diag.Failure
		if errors.As(err, &fail) {
			_ = fail.Report.WriteText(w)
			return 1
		}
		fmt.Fprintf(w, "store fetch failed: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sf); err != nil {
		return 1
	}
	return 0
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		return 2
	}
	setupLogging(cfg, os.Stderr)

	cmd, rest := "serve", args
	if len(args) > 0 {
		cmd, rest = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		if err := serve(ctx, cfg); err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
		return 0
	case "diag", "store":
		if len(rest) != 1 {
			fmt.Fprintln(stdout, usage)
			return 2
		}
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			slog.Error("startup error", "err", err)
			return 1
		}
		defer db.db.Close()
		c, err := buildCore(cfg, db, nil, cmd == "diag")
		if err != nil {
			slog.Error("startup error", "err", err)
			return 1
		}
		if cmd == "diag" {
			return writeDiagnosis(ctx, c.engine, rest[0], stdout)
		}
		return writeStorefront(ctx, &riot.Pipeline{Sessions: c.engine, Client: c.riot}, rest[0], stdout)
	default:
		fmt.Fprintln(stdout, usage)
		return 2
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}
