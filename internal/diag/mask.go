package diag

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haukened/ssidrelay/internal/domain"
)

// ExcerptLimit is the longest excerpt a report carries, in bytes.
const ExcerptLimit = 200

var (
	jwtPattern   = regexp.MustCompile(`eyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]*`)
	paramPattern = regexp.MustCompile(`(?i)\b(access_token|id_token|refresh_token|entitlements_token|code|ssid|clid|sub|tdid|csid|__cf_bm|_cf_bm|asid|session_state)=([^&\s"';#,]+)`)
)

// MaskExcerpt redacts raw before it is shown to an operator: every value in
// secrets, any JWT and any token-bearing key=value pair is replaced by its
// domain.Mask form, then the result is cut to ExcerptLimit bytes.
func MaskExcerpt(raw string, secrets []string) string {
	if raw == "" {
		return ""
	}
	s := append([]string(nil), secrets...)
	// longest first so a cookie line is masked before the values inside it
	sort.Slice(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	out := raw
	for _, v := range s {
		if v != "" {
			out = strings.ReplaceAll(out, v, domain.Mask(v))
		}
	}
	out = jwtPattern.ReplaceAllStringFunc(out, domain.Mask)
	out = paramPattern.ReplaceAllStringFunc(out, func(m string) string {
		k, v, _ := strings.Cut(m, "=")
		return k + "=" + domain.Mask(v)
	})
	return truncate(out, ExcerptLimit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
