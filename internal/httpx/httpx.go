// Package httpx contains the HTTP delivery layer (net/http handlers) for the
// relay. It maps extension and operator requests to the application service
// while enforcing size limits, CORS, security headers and error translation.
// Handlers are split across files (ingest.go, nonce.go, diag.go, health.go,
// errors.go).
package httpx

import (
	"context"
	"net/http"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/diag"
	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/nonce"
	"github.com/haukened/ssidrelay/internal/riot"
)

// IngestPort abstracts the subset of app.Service used by the HTTP layer.
type IngestPort interface {
	Ingest(ctx context.Context, sub app.Submission) (domain.UserID, error)
}

// NonceIssuer hands out submission nonces. Both nonce registries satisfy it.
type NonceIssuer interface {
	Issue(ctx context.Context) (nonce.Nonce, error)
}

// Diagnoser runs a reauthentication diagnosis. diag.Engine satisfies it.
type Diagnoser interface {
	Diagnose(ctx context.Context, id domain.UserID) diag.Report
}

// StoreFetcher loads a user's daily offers. riot.Pipeline satisfies it.
type StoreFetcher interface {
	Fetch(ctx context.Context, id domain.UserID) (riot.Storefront, error)
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service   IngestPort
	Nonces    NonceIssuer
	MaxBody   int64                       // request body limit for /riot-cookies
	Readiness func(context.Context) error // optional readiness probe

	Diagnoser Diagnoser    // optional; /api/diag is mounted when set
	Store     StoreFetcher // optional; /api/store is mounted when set
	DiagToken string       // bearer token for operator routes; empty disables them

	Metrics     app.Recorder // optional counters
	MetricsView http.Handler // optional /metrics handler

	AllowedOrigins []string // CORS origins; empty or "*" allows any
}

// New returns a configured Handler.
// svc: application service port implementation.
// nonces: registry the /nonce route issues from.
// maxBody: maximum allowed request body size (0 disables the limit).
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc IngestPort, nonces NonceIssuer, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, Nonces: nonces, MaxBody: maxBody, Readiness: readiness}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the middleware chain applied.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /nonce", h.handleNonce)
	mux.HandleFunc("POST /riot-cookies", h.handleRiotCookies)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.HandleFunc("GET /api/diag/{user_id}", h.handleDiag)
	mux.HandleFunc("GET /api/store/{user_id}", h.handleStore)
	if h.MetricsView != nil {
		mux.Handle("GET /metrics", h.MetricsView)
	}
	return CorrelationIDMiddleware(h.cors(secureHeaders(mux)))
}

func (h *Handler) recorder() app.Recorder {
	if h.Metrics == nil {
		return nopRecorder{}
	}
	return h.Metrics
}

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64)     {}
func (nopRecorder) Observe(string, int64) {}
