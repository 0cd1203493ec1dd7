// Package store defines internal persistence adapter ports used by the
// higher-level CredentialStore implementation. The SQL index is shared by the
// SQLite and PostgreSQL backends; each backend package only contributes its
// dialect. Callers outside this package interact only with the
// app.CredentialStore implementation, not these internal details.
package store

import (
	"context"
	"time"
)

// Row is one persisted credential record plus its non-secret metadata.
type Row struct {
	UserID     string
	Algorithm  string
	KeyVersion int
	Ciphertext []byte
	UserAgent  string
	LastIP     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Index abstracts row persistence (SQLite or PostgreSQL).
type Index interface {
	// Upsert replaces the row keyed by r.UserID. CreatedAt is kept from the
	// first insert.
	Upsert(ctx context.Context, r Row) error
	// Get returns the row for id or app.ErrNotFound.
	Get(ctx context.Context, id string) (Row, error)
}

// Dialect carries the driver specific parts of the SQL index.
type Dialect struct {
	// Name is used in logs and errors.
	Name string
	// Schema is the CREATE TABLE IF NOT EXISTS statement.
	Schema string
	// Rebind rewrites "?" placeholders; nil keeps them.
	Rebind func(string) string
	// MissingTable reports whether err means the table does not exist.
	MissingTable func(error) bool
}
