// Package domain outcome.go contains the reauthentication classifications.
package domain

// Outcome classifies one replay of the provider's reauth handshake.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeLoginRequired Outcome = "login_required"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeNetworkError  Outcome = "network_error"
	OutcomeMalformed     Outcome = "malformed"
	// OutcomeNoCredentials is only ever a verdict: nothing to try.
	OutcomeNoCredentials Outcome = "no_credentials"
)

// String returns the wire form of the outcome.
func (o Outcome) String() string { return string(o) }

// Hint returns a short operator-facing explanation of the outcome.
func (o Outcome) Hint() string {
	switch o {
	case OutcomeSuccess:
		return "session is usable"
	case OutcomeLoginRequired:
		return "ssid expired; log in again in the browser and resubmit cookies"
	case OutcomeBlocked:
		return "provider edge blocked the request; check the outbound proxy"
	case OutcomeNetworkError:
		return "provider unreachable; retry later or check connectivity"
	case OutcomeMalformed:
		return "unexpected provider response or unreadable stored record"
	case OutcomeNoCredentials:
		return "no stored or fallback credentials for this user"
	default:
		return ""
	}
}
