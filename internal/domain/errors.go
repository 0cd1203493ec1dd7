// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrMalformedIdentity    = errors.New("malformed user id")
	ErrReplayOrExpiredNonce = errors.New("invalid or expired nonce")
	ErrEmptySubmission      = errors.New("no recognized credential fields")
)
