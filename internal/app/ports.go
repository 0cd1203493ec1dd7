// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the core use-cases of ssidrelay depend upon. It follows a
// hexagonal (ports & adapters) design: this package declares what the core
// needs, while adapter packages (SQL stores, the nonce registries, the HTTP
// layer) provide concrete implementations. No SQL or network concerns belong
// here.
package app

import (
	"context"
	"time"

	"github.com/haukened/ssidrelay/internal/codec"
	"github.com/haukened/ssidrelay/internal/domain"
)

// Clock abstracts time to enable deterministic testing.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// RecordMeta is non-secret context stored next to an encrypted bundle.
type RecordMeta struct {
	UserAgent string
	LastIP    string
	UpdatedAt time.Time
}

// CredentialStore is the storage port for encrypted bundles.
type CredentialStore interface {
	// Upsert replaces the record for id in one atomic step.
	Upsert(ctx context.Context, id domain.UserID, rec codec.Record, meta RecordMeta) error
	// Get returns the current record for id or ErrNotFound.
	Get(ctx context.Context, id domain.UserID) (codec.Record, RecordMeta, error)
}

// NonceConsumer is the subset of a nonce registry ingestion needs.
type NonceConsumer interface {
	Consume(ctx context.Context, token string) (bool, error)
}

// Sealer encrypts and decrypts bundles.
type Sealer interface {
	Encrypt(b domain.Bundle) (codec.Record, error)
	Decrypt(r codec.Record) (domain.Bundle, error)
}

// Recorder receives operational counters. metrics.Manager satisfies it.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64)     {}
func (nopRecorder) Observe(string, int64) {}
