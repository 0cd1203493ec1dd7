package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haukened/ssidrelay/internal/diag"
	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/metrics"
)

// operatorAuth gates the operator routes. It writes the response and returns
// false when the request may not proceed. Routes stay hidden (404) unless a
// token is configured.
func (h *Handler) operatorAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.DiagToken == "" {
		writeError(r.Context(), w, http.StatusNotFound, codeNotFound)
		return false
	}
	if !metrics.BearerMatches(r, h.DiagToken) {
		writeError(r.Context(), w, http.StatusUnauthorized, codeUnauthorized)
		return false
	}
	return true
}

// handleDiag implements GET /api/diag/{user_id}. The report is masked
// before it leaves the engine, so it is returned as is.
func (h *Handler) handleDiag(w http.ResponseWriter, r *http.Request) {
	if h.Diagnoser == nil {
		writeError(r.Context(), w, http.StatusNotFound, codeNotFound)
		return
	}
	if !h.operatorAuth(w, r) {
		return
	}
	id, err := domain.ParseUserID(r.PathValue("user_id"))
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	rep := h.Diagnoser.Diagnose(r.Context(), id)
	cid, _ := GetCorrelationID(r.Context())
	slog.Info("diagnosis served", "cid", cid, "user_id", id.String(), "verdict", rep.Verdict.String())
	writeJSON(w, http.StatusOK, rep)
}

type noSessionBody struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error"`
	Verdict domain.Outcome `json:"verdict"`
	Hint    string         `json:"hint"`
}

// handleStore implements GET /api/store/{user_id}.
func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(r.Context(), w, http.StatusNotFound, codeNotFound)
		return
	}
	if !h.operatorAuth(w, r) {
		return
	}
	ctx := r.Context()
	id, err := domain.ParseUserID(r.PathValue("user_id"))
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	sf, err := h.Store.Fetch(ctx, id)
	if err != nil {
		cid, _ := GetCorrelationID(ctx)
		var fail *diag.Failure
		switch {
		case errors.As(err, &fail):
			slog.Info("store fetch without session", "cid", cid, "user_id", id.String(), "verdict", fail.Verdict.String())
			writeJSON(w, http.StatusBadGateway, noSessionBody{
				Error:   codeNoSession,
				Verdict: fail.Verdict,
				Hint:    fail.Verdict.Hint(),
			})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(ctx, w, http.StatusServiceUnavailable, codeCancelled)
		default:
			slog.Warn("store fetch failed", "cid", cid, "user_id", id.String(), "error", err)
			writeError(ctx, w, http.StatusBadGateway, codeUpstream)
		}
		return
	}
	writeJSON(w, http.StatusOK, sf)
}
