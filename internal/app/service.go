// Package app contains the application orchestration layer for ssidrelay. It
// wires domain validation with the nonce, codec and persistence ports without
// performing any I/O itself.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/metrics"
)

// ErrNotFound indicates no record is stored for the user.
var ErrNotFound = errors.New("credentials not found")

// ErrEncryptionUnavailable indicates the codec could not seal a bundle.
var ErrEncryptionUnavailable = errors.New("encryption unavailable")

// ErrStoreUnavailable indicates the durability layer failed. The submission
// was validated and encrypted but not stored.
var ErrStoreUnavailable = errors.New("credential store unavailable")

// ErrNonceUnavailable indicates the nonce registry itself failed.
var ErrNonceUnavailable = errors.New("nonce registry unavailable")

// Submission is one extension upload after transport decoding.
type Submission struct {
	UserID    string
	Nonce     string
	Payload   domain.Payload
	UserAgent string
	RemoteIP  string
}

// Service orchestrates ingestion and bundle retrieval using the injected ports.
type Service struct {
	Nonces  NonceConsumer
	Codec   Sealer
	Store   CredentialStore
	Clock   Clock
	Metrics Recorder
}

func (s *Service) recorder() Recorder {
	if s.Metrics == nil {
		return nopRecorder{}
	}
	return s.Metrics
}

// Ingest validates a submission in a fixed order (identity, nonce, content),
// then encrypts and stores the bundle. Either the whole bundle is stored or
// nothing is. The nonce is consumed only when the identity is well formed.
func (s *Service) Ingest(ctx context.Context, sub Submission) (domain.UserID, error) {
	id, err := domain.ParseUserID(sub.UserID)
	if err != nil {
		s.recorder().Inc(metrics.CounterIngestRejected, 1)
		return "", err
	}
	ok, err := s.Nonces.Consume(ctx, sub.Nonce)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrNonceUnavailable, err)
	}
	if !ok {
		s.recorder().Inc(metrics.CounterIngestRejected, 1)
		return id, domain.ErrReplayOrExpiredNonce
	}
	bundle := domain.BundleFromPayload(sub.Payload)
	if !bundle.HasCredentials() {
		s.recorder().Inc(metrics.CounterIngestRejected, 1)
		return id, domain.ErrEmptySubmission
	}
	rec, err := s.Codec.Encrypt(bundle)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrEncryptionUnavailable, err)
	}
	meta := RecordMeta{UserAgent: sub.UserAgent, LastIP: sub.RemoteIP, UpdatedAt: s.Clock.Now()}
	if err := s.Store.Upsert(ctx, id, rec, meta); err != nil {
		return id, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.recorder().Inc(metrics.CounterCredentialsSaved, 1)
	return id, nil
}

// LoadBundle returns the decrypted bundle stored for id. It returns
// ErrNotFound when nothing is stored and codec.ErrUndecryptable when the
// record was sealed under another key.
func (s *Service) LoadBundle(ctx context.Context, id domain.UserID) (domain.Bundle, RecordMeta, error) {
	if !id.Valid() {
		return domain.Bundle{}, RecordMeta{}, domain.ErrMalformedIdentity
	}
	rec, meta, err := s.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Bundle{}, RecordMeta{}, err
		}
		return domain.Bundle{}, RecordMeta{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	b, err := s.Codec.Decrypt(rec)
	if err != nil {
		return domain.Bundle{}, meta, fmt.Errorf("decrypt record: %w", err)
	}
	return b, meta, nil
}
