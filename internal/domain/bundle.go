// Package domain bundle.go contains the credential bundle and the tolerant
// decoders for the payload shapes the browser extensions send.
package domain

import "strings"

// Bundle is one harvested provider session. Every field is optional; an
// empty string means the client did not send it. Bundles are comparable.
type Bundle struct {
	SSID                 string `json:"ssid,omitempty"`
	CLID                 string `json:"clid,omitempty"`
	Sub                  string `json:"sub,omitempty"`
	TDID                 string `json:"tdid,omitempty"`
	CSID                 string `json:"csid,omitempty"`
	CFBM                 string `json:"cf_bm,omitempty"`
	RefreshTokenPresence string `json:"refresh_token_presence,omitempty"`
	SessionState         string `json:"session_state,omitempty"`
	CookieLine           string `json:"cookie_line,omitempty"`
	PUUID                string `json:"puuid,omitempty"`
}

// Payload is the loosely typed submission an extension sends. Cookies holds
// the decoded JSON object under "cookies"; CookieLine and PUUID are the
// optional top-level fields.
type Payload struct {
	Cookies    map[string]any
	CookieLine string
	PUUID      string
}

// cookieKeys maps provider cookie names to bundle fields. The same names are
// accepted flat, under "auth" and under "root".
var cookieKeys = map[string]func(*Bundle) *string{
	"ssid":                            func(b *Bundle) *string { return &b.SSID },
	"clid":                            func(b *Bundle) *string { return &b.CLID },
	"sub":                             func(b *Bundle) *string { return &b.Sub },
	"tdid":                            func(b *Bundle) *string { return &b.TDID },
	"csid":                            func(b *Bundle) *string { return &b.CSID },
	"_cf_bm":                          func(b *Bundle) *string { return &b.CFBM },
	"__cf_bm":                         func(b *Bundle) *string { return &b.CFBM },
	"__Secure-refresh_token_presence": func(b *Bundle) *string { return &b.RefreshTokenPresence },
	"__Secure-session_state":          func(b *Bundle) *string { return &b.SessionState },
	"cookie_line":                     func(b *Bundle) *string { return &b.CookieLine },
	"puuid":                           func(b *Bundle) *string { return &b.PUUID },
}

// BundleFromPayload builds a Bundle from any of the known extension payload
// shapes. Nested "auth"/"root" objects win over flat keys; unknown keys and
// non-string values are ignored. Top-level cookie_line and puuid win over the
// copies inside cookies.
func BundleFromPayload(p Payload) Bundle {
	var b Bundle
	apply(&b, p.Cookies)
	for _, nested := range []string{"root", "auth"} {
		if m, ok := p.Cookies[nested].(map[string]any); ok {
			apply(&b, m)
		}
	}
	if v := strings.TrimSpace(p.CookieLine); v != "" {
		b.CookieLine = v
	}
	if v := strings.TrimSpace(p.PUUID); v != "" {
		b.PUUID = v
	}
	return b
}

func apply(b *Bundle, m map[string]any) {
	for k, raw := range m {
		field, ok := cookieKeys[k]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			*field(b) = s
		}
	}
}

// envKeys lists accepted KEY=VALUE names for each field, most specific first.
var envKeys = []struct {
	names []string
	field func(*Bundle) *string
}{
	{[]string{"RIOT_SSID", "SSID"}, func(b *Bundle) *string { return &b.SSID }},
	{[]string{"RIOT_CLID", "CLID"}, func(b *Bundle) *string { return &b.CLID }},
	{[]string{"RIOT_SUB", "SUB"}, func(b *Bundle) *string { return &b.Sub }},
	{[]string{"RIOT_TDID", "TDID"}, func(b *Bundle) *string { return &b.TDID }},
	{[]string{"RIOT_CSID", "CSID"}, func(b *Bundle) *string { return &b.CSID }},
	{[]string{"RIOT_CF_BM", "CF_BM"}, func(b *Bundle) *string { return &b.CFBM }},
	{[]string{"RIOT_SEC_REFRESH_PRESENCE"}, func(b *Bundle) *string { return &b.RefreshTokenPresence }},
	{[]string{"RIOT_SEC_SESSION_STATE"}, func(b *Bundle) *string { return &b.SessionState }},
	{[]string{"RIOT_COOKIE_LINE", "COOKIE_LINE"}, func(b *Bundle) *string { return &b.CookieLine }},
	{[]string{"RIOT_PUUID", "PUUID"}, func(b *Bundle) *string { return &b.PUUID }},
}

// BundleFromEnv builds a Bundle from a KEY=VALUE map as written by the
// legacy receiver (RIOT_SSID, RIOT_COOKIE_LINE, ...).
func BundleFromEnv(env map[string]string) Bundle {
	var b Bundle
	for _, ek := range envKeys {
		for _, name := range ek.names {
			if v := strings.TrimSpace(env[name]); v != "" {
				*ek.field(&b) = v
				break
			}
		}
	}
	return b
}

// HasCredentials reports whether at least one session-bearing field is set.
// PUUID alone identifies a player but cannot authenticate, so it does not count.
func (b Bundle) HasCredentials() bool {
	c := b
	c.PUUID = ""
	return c != Bundle{}
}

// HasExtraCookies reports whether the bundle carries named cookies besides ssid.
func (b Bundle) HasExtraCookies() bool {
	return b.CLID != "" || b.Sub != "" || b.TDID != "" || b.CSID != "" ||
		b.CFBM != "" || b.RefreshTokenPresence != "" || b.SessionState != ""
}

// Fields returns the names of the populated fields in declaration order.
func (b Bundle) Fields() []string {
	var out []string
	for _, f := range b.pairs() {
		if f.value != "" {
			out = append(out, f.name)
		}
	}
	return out
}

// Secrets returns every populated value so callers can redact them.
func (b Bundle) Secrets() []string {
	var out []string
	for _, f := range b.pairs() {
		if f.value != "" {
			out = append(out, f.value)
		}
	}
	return out
}

type namedValue struct{ name, value string }

func (b Bundle) pairs() []namedValue {
	return []namedValue{
		{"ssid", b.SSID}, {"clid", b.CLID}, {"sub", b.Sub}, {"tdid", b.TDID},
		{"csid", b.CSID}, {"cf_bm", b.CFBM},
		{"refresh_token_presence", b.RefreshTokenPresence},
		{"session_state", b.SessionState}, {"cookie_line", b.CookieLine},
		{"puuid", b.PUUID},
	}
}
