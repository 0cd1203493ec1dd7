// Package nonce issues single-use, time-boxed tokens that bind one extension
// submission to one ingestion attempt. Two registries are provided: an
// in-process map for single-instance deployments and a Redis-backed registry
// for deployments that run more than one receiver.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// DefaultTTL is the absolute lifetime of an issued nonce.
const DefaultTTL = 180 * time.Second

// tokenBytes is the amount of randomness per token (32 base64url chars).
const tokenBytes = 24

// Nonce is an issued token and its lifetime.
type Nonce struct {
	Value    string
	IssuedAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns the absolute expiry instant.
func (n Nonce) ExpiresAt() time.Time { return n.IssuedAt.Add(n.TTL) }

// Registry issues and consumes nonces. Consume reports true exactly once per
// issued token and only before expiry; a false result leaves the registry
// unchanged.
type Registry interface {
	Issue(ctx context.Context) (Nonce, error)
	Consume(ctx context.Context, token string) (bool, error)
}

// Clock abstracts time to enable deterministic expiry tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func newToken() (string, error) {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
