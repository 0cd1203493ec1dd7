// Package domain userid.go contains parsing and validation of external user ids
package domain

import "strings"

// UserID is the numeric identifier of the owning account on the chat
// platform. It is 5 to 25 ASCII digits and is the credential store key.
type UserID string

const (
	minUserIDLen = 5
	maxUserIDLen = 25
)

// ParseUserID trims surrounding whitespace from s and validates it as a
// UserID. Returns ErrMalformedIdentity on failure.
func ParseUserID(s string) (UserID, error) {
	s = strings.TrimSpace(s)
	if !isValidUserID(s) {
		return "", ErrMalformedIdentity
	}
	return UserID(s), nil
}

// String returns the string form of the UserID.
func (id UserID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseUserID
// (without trimming).
func (id UserID) Valid() bool { return isValidUserID(string(id)) }

func isValidUserID(s string) bool {
	if len(s) < minUserIDLen || len(s) > maxUserIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
