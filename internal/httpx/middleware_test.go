package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	var got string
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = GetCorrelationID(r.Context())
	})
	rr := httptest.NewRecorder()
	CorrelationIDMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	require.True(t, ok)
	hdr := rr.Header().Get(CorrelationIDHeader)
	assert.Equal(t, hdr, got)
	_, err := uuid.Parse(hdr)
	assert.NoError(t, err)
}

func TestCorrelationIDMiddleware_ReusesInbound(t *testing.T) {
	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetCorrelationID(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	CorrelationIDMiddleware(next).ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", got)
	assert.Equal(t, "abc-123", rr.Header().Get(CorrelationIDHeader))
}

func TestGetCorrelationID_Missing(t *testing.T) {
	_, ok := GetCorrelationID(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}

func TestSecureHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	secureHeaders(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", rr.Header().Get("Referrer-Policy"))
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantStatus int
		wantAllow  string
	}{
		{"default_any", nil, "chrome-extension://x", http.MethodGet, http.StatusOK, "*"},
		{"star", []string{"*"}, "https://a.example", http.MethodPost, http.StatusOK, "*"},
		{"listed", []string{"https://a.example"}, "https://a.example", http.MethodGet, http.StatusOK, "https://a.example"},
		{"unlisted", []string{"https://a.example"}, "https://b.example", http.MethodGet, http.StatusOK, ""},
		{"preflight", []string{"*"}, "https://a.example", http.MethodOptions, http.StatusNoContent, "*"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &Handler{AllowedOrigins: tc.origins}
			req := httptest.NewRequest(tc.method, "/riot-cookies", nil)
			req.Header.Set("Origin", tc.origin)
			rr := httptest.NewRecorder()
			h.cors(ok).ServeHTTP(rr, req)
			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantAllow, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, corsMethods, rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, corsHeaders, rr.Header().Get("Access-Control-Allow-Headers"))
		})
	}
}
