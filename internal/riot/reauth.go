package riot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/haukened/ssidrelay/internal/domain"
)

// CookieMode selects which cookies of a bundle are replayed.
type CookieMode string

const (
	// ModeLine sends the raw browser cookie line verbatim.
	ModeLine CookieMode = "line"
	// ModeFull sends every named cookie in the bundle.
	ModeFull CookieMode = "full"
	// ModeSSID sends the ssid cookie alone.
	ModeSSID CookieMode = "ssid"
)

const (
	clientID    = "play-valorant-web-prod"
	redirectURI = "https://playvalorant.com/opt_in"
	origin      = "https://playvalorant.com"
	// maxBody caps how much of a provider response is read.
	maxBody = 16 << 10
	// maxExcerpt caps the raw excerpt handed to callers for masking.
	maxExcerpt = 2 << 10
)

// scopes are tried in order until one yields tokens.
var scopes = []string{"account openid", "openid link"}

// Credentials is one candidate to replay.
type Credentials struct {
	Bundle    domain.Bundle
	Mode      CookieMode
	UserAgent string
}

// CookieHeader renders the Cookie header for the selected mode, or "" when
// the mode has nothing to send.
func (c Credentials) CookieHeader() string {
	b := c.Bundle
	switch c.Mode {
	case ModeLine:
		return strings.TrimSpace(b.CookieLine)
	case ModeSSID:
		if b.SSID == "" {
			return ""
		}
		return (&http.Cookie{Name: "ssid", Value: b.SSID}).String()
	case ModeFull:
		named := []struct{ name, value string }{
			{"ssid", b.SSID}, {"clid", b.CLID}, {"sub", b.Sub}, {"tdid", b.TDID}, {"csid", b.CSID},
			{"__cf_bm", b.CFBM},
			{"__Secure-refresh_token_presence", b.RefreshTokenPresence},
			{"__Secure-session_state", b.SessionState},
		}
		var parts []string
		for _, n := range named {
			if n.value != "" {
				parts = append(parts, (&http.Cookie{Name: n.name, Value: n.value}).String())
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

// Result is the classified outcome of one candidate's handshake.
type Result struct {
	Outcome domain.Outcome
	// Status is the HTTP status of the step that decided Outcome, 0 when
	// no response was received.
	Status int
	// Steps summarise every request made, e.g. "POST account openid=200".
	Steps []string
	// Excerpt is an unmasked, truncated fragment of the deciding response.
	// Callers must mask it before display.
	Excerpt string
	// Session is set only on success.
	Session *Session
}

// rank orders failures by how much they tell the operator. A later step of
// the same rank replaces an earlier one.
func rank(o domain.Outcome) int {
	switch o {
	case domain.OutcomeNetworkError:
		return 1
	case domain.OutcomeMalformed:
		return 2
	case domain.OutcomeLoginRequired:
		return 3
	case domain.OutcomeBlocked:
		return 4
	case domain.OutcomeSuccess:
		return 5
	}
	return 0
}

type step struct {
	name    string
	status  int
	outcome domain.Outcome
	excerpt string
	session *Session
}

func (r *Result) add(s step) {
	code := strconv.Itoa(s.status)
	if s.status == 0 {
		code = "err"
	}
	r.Steps = append(r.Steps, s.name+"="+code)
	if rank(s.outcome) >= rank(r.Outcome) {
		r.Outcome = s.outcome
		r.Status = s.status
		r.Excerpt = s.excerpt
		r.Session = s.session
	}
}

// Reauth replays the handshake for cr. For each scope it POSTs the
// authorization request and, if that yields no tokens, GETs /authorize
// without following the redirect. The first step carrying an access token
// and an id token ends the attempt with success. The whole attempt is
// bounded by the client timeout.
func (c *Client) Reauth(ctx context.Context, cr Credentials) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cookie := cr.CookieHeader()
	if cookie == "" {
		return Result{Outcome: domain.OutcomeMalformed, Steps: []string{"cookies=none"}, Excerpt: "no cookies for mode " + string(cr.Mode)}
	}
	ua := cr.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	var res Result
	for _, scope := range scopes {
		for _, try := range []func(context.Context, string, string, string) step{c.postAuthorization, c.getAuthorize} {
			s := try(ctx, scope, cookie, ua)
			res.add(s)
			if s.outcome == domain.OutcomeSuccess {
				return res
			}
			if ctx.Err() != nil {
				return res
			}
		}
	}
	return res
}

func authParams(scope string) map[string]string {
	return map[string]string{
		"client_id":     clientID,
		"nonce":         "1",
		"redirect_uri":  redirectURI,
		"response_type": "token id_token",
		"scope":         scope,
		"prompt":        "none",
	}
}

func setBrowserHeaders(req *http.Request, cookie, ua string) {
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", redirectURI)
	req.Header.Set("Cookie", cookie)
}

func (c *Client) postAuthorization(ctx context.Context, scope, cookie, ua string) step {
	name := "POST " + scope
	body, _ := json.Marshal(authParams(scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ep.Auth+"/api/v1/authorization", bytes.NewReader(body))
	if err != nil {
		return step{name: name, outcome: domain.OutcomeMalformed, excerpt: err.Error()}
	}
	setBrowserHeaders(req, cookie, ua)
	req.Header.Set("Content-Type", "application/json")
	resp, raw, err := c.do(req)
	if err != nil {
		return step{name: name, outcome: domain.OutcomeNetworkError, excerpt: err.Error()}
	}
	s := step{name: name, status: resp.StatusCode, excerpt: excerpt(raw)}
	if isBlocked(resp, raw) {
		s.outcome = domain.OutcomeBlocked
		return s
	}
	var ans authResponse
	jsonErr := json.Unmarshal(raw, &ans)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if jsonErr != nil {
			s.outcome = domain.OutcomeMalformed
			return s
		}
		if sess, ok := c.sessionFromURI(ans.Response.Parameters.URI); ok {
			s.outcome = domain.OutcomeSuccess
			s.session = sess
			return s
		}
		if ans.Type == "auth" || ans.Error != "" || strings.Contains(ans.Response.Parameters.URI, "error=") {
			s.outcome = domain.OutcomeLoginRequired
			return s
		}
		s.outcome = domain.OutcomeMalformed
	case resp.StatusCode == http.StatusUnauthorized:
		s.outcome = domain.OutcomeLoginRequired
	case jsonErr == nil && (ans.Type == "auth" || ans.Error != ""):
		s.outcome = domain.OutcomeLoginRequired
	default:
		s.outcome = domain.OutcomeMalformed
	}
	return s
}

func (c *Client) getAuthorize(ctx context.Context, scope, cookie, ua string) step {
	name := "GET " + scope
	q := url.Values{}
	for k, v := range authParams(scope) {
		q.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.Auth+"/authorize?"+q.Encode(), nil)
	if err != nil {
		return step{name: name, outcome: domain.OutcomeMalformed, excerpt: err.Error()}
	}
	setBrowserHeaders(req, cookie, ua)
	resp, raw, err := c.do(req)
	if err != nil {
		return step{name: name, outcome: domain.OutcomeNetworkError, excerpt: err.Error()}
	}
	s := step{name: name, status: resp.StatusCode, excerpt: excerpt(raw)}
	if isBlocked(resp, raw) {
		s.outcome = domain.OutcomeBlocked
		return s
	}
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		s.excerpt = excerpt([]byte("Location: " + loc))
		if sess, ok := c.sessionFromURI(loc); ok {
			s.outcome = domain.OutcomeSuccess
			s.session = sess
			return s
		}
		s.outcome = domain.OutcomeLoginRequired
	case resp.StatusCode == http.StatusUnauthorized:
		s.outcome = domain.OutcomeLoginRequired
	case resp.StatusCode == http.StatusOK && looksLikeLogin(raw):
		s.outcome = domain.OutcomeLoginRequired
	default:
		s.outcome = domain.OutcomeMalformed
	}
	return s
}

// do sends req and reads at most maxBody bytes of the response.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, raw, nil
}

type authResponse struct {
	Type     string `json:"type"`
	Error    string `json:"error"`
	Response struct {
		Parameters struct {
			URI string `json:"uri"`
		} `json:"parameters"`
	} `json:"response"`
}

// sessionFromURI extracts the implicit-grant tokens from a redirect URI. The
// provider puts them in the fragment; the query is accepted too.
func (c *Client) sessionFromURI(raw string) (*Session, bool) {
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	frag := u.Fragment
	if frag == "" {
		frag = u.RawQuery
	}
	vals, err := url.ParseQuery(frag)
	if err != nil {
		return nil, false
	}
	access, id := vals.Get("access_token"), vals.Get("id_token")
	if access == "" || id == "" {
		return nil, false
	}
	ttl := time.Hour
	if n, err := strconv.Atoi(vals.Get("expires_in")); err == nil && n > 0 {
		ttl = time.Duration(n) * time.Second
	}
	tokenType := vals.Get("token_type")
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tok := (&oauth2.Token{
		AccessToken: access,
		TokenType:   tokenType,
		Expiry:      c.now().Add(ttl),
	}).WithExtra(map[string]any{"id_token": id})
	sub, _ := SubjectFromToken(access)
	return &Session{Token: tok, IDToken: id, Subject: sub}, true
}

var challengeMarkers = []string{"cf-chl", "challenge-platform", "just a moment", "attention required", "cf-ray"}

// isBlocked reports an edge-network refusal rather than a provider answer.
func isBlocked(resp *http.Response, body []byte) bool {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return false
	}
	if resp.Header.Get("Cf-Mitigated") != "" {
		return true
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Server")), "cloudflare") {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func looksLikeLogin(body []byte) bool {
	var ans authResponse
	if json.Unmarshal(body, &ans) == nil {
		return ans.Type == "auth"
	}
	return bytes.Contains(bytes.ToLower(body), []byte("login"))
}

func excerpt(b []byte) string {
	if len(b) > maxExcerpt {
		b = b[:maxExcerpt]
	}
	return string(b)
}
