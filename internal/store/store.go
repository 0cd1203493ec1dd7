// Package store provides the concrete implementation of the application
// CredentialStore port on top of an Index. External packages should
// construct the store via New and interact only through the
// app.CredentialStore interface.
package store

import (
	"context"
	"errors"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/codec"
	"github.com/haukened/ssidrelay/internal/domain"
)

// Store adapts an Index to app.CredentialStore.
type Store struct {
	index Index
	clock app.Clock
}

// New returns a Store implementation of app.CredentialStore.
func New(index Index, clock app.Clock) *Store {
	return &Store{index: index, clock: clock}
}

var _ app.CredentialStore = (*Store)(nil)

// Upsert replaces the record for id. A zero meta.UpdatedAt is stamped with
// the store clock.
func (s *Store) Upsert(ctx context.Context, id domain.UserID, rec codec.Record, meta app.RecordMeta) error {
	if s == nil || s.index == nil || s.clock == nil {
		return errors.New("store not properly initialized")
	}
	if !id.Valid() {
		return domain.ErrMalformedIdentity
	}
	if len(rec.Ciphertext) == 0 {
		return errors.New("empty ciphertext")
	}
	at := meta.UpdatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.index.Upsert(ctx, Row{
		UserID:     id.String(),
		Algorithm:  rec.Algorithm,
		KeyVersion: rec.KeyVersion,
		Ciphertext: rec.Ciphertext,
		UserAgent:  meta.UserAgent,
		LastIP:     meta.LastIP,
		CreatedAt:  at,
		UpdatedAt:  at,
	})
}

// Get returns the current record for id or app.ErrNotFound.
func (s *Store) Get(ctx context.Context, id domain.UserID) (codec.Record, app.RecordMeta, error) {
	if s == nil || s.index == nil {
		return codec.Record{}, app.RecordMeta{}, errors.New("store not properly initialized")
	}
	row, err := s.index.Get(ctx, id.String())
	if err != nil {
		return codec.Record{}, app.RecordMeta{}, err
	}
	rec := codec.Record{Algorithm: row.Algorithm, KeyVersion: row.KeyVersion, Ciphertext: row.Ciphertext}
	meta := app.RecordMeta{UserAgent: row.UserAgent, LastIP: row.LastIP, UpdatedAt: row.UpdatedAt}
	return rec, meta, nil
}
