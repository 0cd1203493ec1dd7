package httpx

import (
	"log/slog"
	"net/http"

	"github.com/haukened/ssidrelay/internal/metrics"
)

type nonceResponse struct {
	Nonce  string `json:"nonce"`
	Expiry int    `json:"expiry"` // seconds
}

// handleNonce implements GET /nonce.
func (h *Handler) handleNonce(w http.ResponseWriter, r *http.Request) {
	n, err := h.Nonces.Issue(r.Context())
	if err != nil {
		cid, _ := GetCorrelationID(r.Context())
		slog.Error("nonce issue failed", "cid", cid, "code", codeNonce)
		writeError(r.Context(), w, http.StatusServiceUnavailable, codeNonce)
		return
	}
	h.recorder().Inc(metrics.CounterNoncesIssued, 1)
	writeJSON(w, http.StatusOK, nonceResponse{Nonce: n.Value, Expiry: int(n.TTL.Seconds())})
}
