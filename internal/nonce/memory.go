package nonce

import (
	"context"
	"sync"
	"time"
)

var _ Registry = (*Memory)(nil)

// Memory is an in-process Registry. Expired entries are dropped when they
// are looked up and in bulk by SweepExpired.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // token -> expiry
	ttl     time.Duration
	clock   Clock
}

// NewMemory returns an empty registry. A non-positive ttl selects DefaultTTL;
// a nil clock selects the wall clock.
func NewMemory(ttl time.Duration, clock Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Memory{entries: make(map[string]time.Time), ttl: ttl, clock: clock}
}

// Issue registers and returns a fresh token.
func (m *Memory) Issue(_ context.Context) (Nonce, error) {
	tok, err := newToken()
	if err != nil {
		return Nonce{}, err
	}
	now := m.clock.Now()
	m.mu.Lock()
	m.entries[tok] = now.Add(m.ttl)
	m.mu.Unlock()
	return Nonce{Value: tok, IssuedAt: now, TTL: m.ttl}, nil
}

// Consume removes token if it is registered and unexpired. An expired token
// is reclaimed and reported as false.
func (m *Memory) Consume(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[token]
	if !ok {
		return false, nil
	}
	// reclaiming an expired entry does not change what Consume can ever return
	delete(m.entries, token)
	return now.Before(exp), nil
}

// SweepExpired drops every entry whose expiry is at or before now and
// returns how many were removed.
func (m *Memory) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, tok)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked tokens, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
