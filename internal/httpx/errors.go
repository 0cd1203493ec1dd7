package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/domain"
)

// Error codes returned in {"ok":false,"error":...} bodies.
const (
	codeInvalidUserID   = "invalid_user_id"
	codeInvalidNonce    = "invalid_or_expired_nonce"
	codeEmptySubmission = "empty_submission"
	codeInvalidJSON     = "invalid_json"
	codeTooLarge        = "payload_too_large"
	codeEncryption      = "encryption_unavailable"
	codeStore           = "store_unavailable"
	codeNonce           = "nonce_unavailable"
	codeNotFound        = "not_found"
	codeUnauthorized    = "unauthorized"
	codeNoSession       = "no_session"
	codeUpstream        = "upstream_error"
	codeCancelled       = "cancelled"
	codeInternal        = "internal"
)

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{OK: false, Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "cid", cid, "status", code, "code", msg)
	}
}

// mapServiceError maps domain/store/service errors to HTTP responses. Causes
// are logged by kind only; wrapped driver errors may carry row data.
func mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	switch {
	case errors.Is(err, domain.ErrMalformedIdentity):
		slog.Warn("service error", "cid", cid, "code", codeInvalidUserID)
		writeError(ctx, w, http.StatusBadRequest, codeInvalidUserID)
	case errors.Is(err, domain.ErrReplayOrExpiredNonce):
		slog.Warn("service error", "cid", cid, "code", codeInvalidNonce)
		writeError(ctx, w, http.StatusBadRequest, codeInvalidNonce)
	case errors.Is(err, domain.ErrEmptySubmission):
		slog.Warn("service error", "cid", cid, "code", codeEmptySubmission)
		writeError(ctx, w, http.StatusBadRequest, codeEmptySubmission)
	case errors.Is(err, app.ErrEncryptionUnavailable):
		slog.Error("service error", "cid", cid, "code", codeEncryption)
		writeError(ctx, w, http.StatusInternalServerError, codeEncryption)
	case errors.Is(err, app.ErrStoreUnavailable):
		slog.Error("service error", "cid", cid, "code", codeStore)
		writeError(ctx, w, http.StatusServiceUnavailable, codeStore)
	case errors.Is(err, app.ErrNonceUnavailable):
		slog.Error("service error", "cid", cid, "code", codeNonce)
		writeError(ctx, w, http.StatusServiceUnavailable, codeNonce)
	case errors.Is(err, app.ErrNotFound):
		slog.Info("service error", "cid", cid, "code", codeNotFound)
		writeError(ctx, w, http.StatusNotFound, codeNotFound)
	default:
		slog.Error("unhandled service error", "cid", cid, "code", "unhandled")
		writeError(ctx, w, http.StatusInternalServerError, codeInternal)
	}
}
