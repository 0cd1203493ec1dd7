package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/domain"
)

// cookieSubmission is the extension's upload. Unknown fields such as
// "version" and "ts" are accepted and ignored. Every field is kept raw so a
// wrongly typed value never hides a malformed identity.
type cookieSubmission struct {
	Nonce      json.RawMessage `json:"nonce"`
	UserID     json.RawMessage `json:"user_id"`
	Cookies    json.RawMessage `json:"cookies"`
	CookieLine json.RawMessage `json:"cookie_line"`
	PUUID      json.RawMessage `json:"puuid"`
}

// identity returns user_id as text. Snowflakes exceed float64 precision, so
// numbers are taken digit for digit. Other JSON types yield "".
func identity(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		return lenientString(raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}

// lenientString returns raw as a string, or "" when it is not one.
func lenientString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// lenientObject returns raw as an object, or nil when it is not one.
func lenientObject(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// handleRiotCookies implements POST /riot-cookies.
func (h *Handler) handleRiotCookies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.MaxBody > 0 {
		if r.ContentLength > h.MaxBody {
			writeError(ctx, w, http.StatusRequestEntityTooLarge, codeTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBody)
	}
	defer r.Body.Close()

	var in cookieSubmission
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(ctx, w, http.StatusRequestEntityTooLarge, codeTooLarge)
			return
		}
		writeError(ctx, w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	id, err := h.Service.Ingest(ctx, app.Submission{
		UserID: identity(in.UserID),
		Nonce:  lenientString(in.Nonce),
		Payload: domain.Payload{
			Cookies:    lenientObject(in.Cookies),
			CookieLine: lenientString(in.CookieLine),
			PUUID:      lenientString(in.PUUID),
		},
		UserAgent: r.UserAgent(),
		RemoteIP:  clientIP(r),
	})
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	cid, _ := GetCorrelationID(ctx)
	slog.Info("credentials stored", "cid", cid, "user_id", id.String())
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

// clientIP returns the peer address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
