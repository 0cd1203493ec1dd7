package diag

import (
	"fmt"
	"io"
	"strings"
)

// WriteText renders r for a terminal or a chat message. Every value in r is
// already masked.
func (r Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[diag] user_id=%s started=%s\n", r.UserID, r.StartedAt.UTC().Format("2006-01-02T15:04:05Z"))
	if r.Egress != "" {
		fmt.Fprintf(&b, "egress: %s\n", r.Egress)
	}
	for _, n := range r.Notes {
		fmt.Fprintf(&b, "note: %s\n", n)
	}
	for _, s := range r.Sources {
		fmt.Fprintf(&b, "source %s\n", s)
	}
	for _, a := range r.Attempts {
		fmt.Fprintf(&b, "%-28s | UA=%-7s | SSID=%s | %s | %s status=%d\n",
			a.Label, a.UserAgent, a.SSID, strings.Join(a.Steps, " "), a.Outcome, a.Status)
		if a.Excerpt != "" {
			fmt.Fprintf(&b, "    %s\n", strings.ReplaceAll(a.Excerpt, "\n", " "))
		}
	}
	if r.Verdict != "" {
		fmt.Fprintf(&b, "verdict: %s\n", r.Verdict)
	}
	if r.Hint != "" {
		fmt.Fprintf(&b, "hint: %s\n", r.Hint)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
