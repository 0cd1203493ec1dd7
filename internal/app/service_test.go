package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/ssidrelay/internal/codec"
	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/metrics"
)

// fixedClock implements Clock returning a fixed instant.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

// mockNonces accepts each token in valid exactly once.
type mockNonces struct {
	mu       sync.Mutex
	valid    map[string]bool
	err      error
	consumed []string
}

func (m *mockNonces) Consume(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed = append(m.consumed, token)
	if m.err != nil {
		return false, m.err
	}
	if m.valid[token] {
		delete(m.valid, token)
		return true, nil
	}
	return false, nil
}

// mockStore implements CredentialStore in memory.
type mockStore struct {
	mu     sync.Mutex
	recs   map[domain.UserID]codec.Record
	metas  map[domain.UserID]RecordMeta
	putErr error
	getErr error
	puts   int
}

func newMockStore() *mockStore {
	return &mockStore{recs: map[domain.UserID]codec.Record{}, metas: map[domain.UserID]RecordMeta{}}
}

func (m *mockStore) Upsert(_ context.Context, id domain.UserID, rec codec.Record, meta RecordMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.recs[id] = rec
	m.metas[id] = meta
	return nil
}

func (m *mockStore) Get(_ context.Context, id domain.UserID) (codec.Record, RecordMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return codec.Record{}, RecordMeta{}, m.getErr
	}
	rec, ok := m.recs[id]
	if !ok {
		return codec.Record{}, RecordMeta{}, ErrNotFound
	}
	return rec, m.metas[id], nil
}

// failingSealer fails every Encrypt.
type failingSealer struct{ Sealer }

func (failingSealer) Encrypt(domain.Bundle) (codec.Record, error) {
	return codec.Record{}, errors.New("no key")
}

type countingRecorder struct {
	mu sync.Mutex
	c  map[string]int64
}

func (r *countingRecorder) Inc(name string, d int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		r.c = map[string]int64{}
	}
	r.c[name] += d
}
func (r *countingRecorder) Observe(string, int64) {}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, tokens ...string) (*Service, *mockNonces, *mockStore, *countingRecorder) {
	t.Helper()
	c, err := codec.New("correct horse battery staple", 1, nil)
	require.NoError(t, err)
	valid := map[string]bool{}
	for _, tok := range tokens {
		valid[tok] = true
	}
	n := &mockNonces{valid: valid}
	st := newMockStore()
	rec := &countingRecorder{}
	return &Service{Nonces: n, Codec: c, Store: st, Clock: fixedClock{now: now}, Metrics: rec}, n, st, rec
}

func ssidPayload(v string) domain.Payload {
	return domain.Payload{Cookies: map[string]any{"ssid": v}}
}

func TestIngestSuccessAndLoad(t *testing.T) {
	ctx := context.Background()
	svc, _, st, rec := newService(t, "n1")
	id, err := svc.Ingest(ctx, Submission{
		UserID: " 123456789 ", Nonce: "n1",
		Payload:   domain.Payload{Cookies: map[string]any{"auth": map[string]any{"ssid": "abc", "clid": "ec1"}}, PUUID: "p-1"},
		UserAgent: "Mozilla/5.0 test", RemoteIP: "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("123456789"), id)
	assert.Equal(t, 1, st.puts)
	assert.Equal(t, int64(1), rec.c[metrics.CounterCredentialsSaved])

	b, meta, err := svc.LoadBundle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Bundle{SSID: "abc", CLID: "ec1", PUUID: "p-1"}, b)
	assert.Equal(t, RecordMeta{UserAgent: "Mozilla/5.0 test", LastIP: "203.0.113.9", UpdatedAt: now}, meta)
}

func TestIngestMalformedIdentityWinsAndKeepsNonce(t *testing.T) {
	ctx := context.Background()
	payloads := []domain.Payload{ssidPayload("abc"), {}, {Cookies: map[string]any{"junk": 1}}}
	for _, uid := range []string{"abc", "", "1234", "12345678901234567890123456", "12345 678"} {
		for _, p := range payloads {
			svc, n, st, rec := newService(t, "n1")
			_, err := svc.Ingest(ctx, Submission{UserID: uid, Nonce: "n1", Payload: p})
			assert.ErrorIs(t, err, domain.ErrMalformedIdentity, uid)
			assert.Empty(t, n.consumed, "nonce must not be consumed for %q", uid)
			assert.Zero(t, st.puts)
			assert.Equal(t, int64(1), rec.c[metrics.CounterIngestRejected])
		}
	}
}

func TestIngestReplay(t *testing.T) {
	ctx := context.Background()
	svc, _, st, _ := newService(t, "n1")
	sub := Submission{UserID: "123456789", Nonce: "n1", Payload: ssidPayload("abc")}
	_, err := svc.Ingest(ctx, sub)
	require.NoError(t, err)

	sub.Payload = ssidPayload("other")
	_, err = svc.Ingest(ctx, sub)
	assert.ErrorIs(t, err, domain.ErrReplayOrExpiredNonce)
	assert.Equal(t, 1, st.puts)

	b, _, err := svc.LoadBundle(ctx, "123456789")
	require.NoError(t, err)
	assert.Equal(t, "abc", b.SSID, "replay must leave the first bundle untouched")
}

func TestIngestNonceCheckedBeforeContent(t *testing.T) {
	svc, n, _, _ := newService(t)
	_, err := svc.Ingest(context.Background(), Submission{UserID: "123456789", Nonce: "unknown"})
	assert.ErrorIs(t, err, domain.ErrReplayOrExpiredNonce)
	assert.Equal(t, []string{"unknown"}, n.consumed)
}

func TestIngestEmptySubmission(t *testing.T) {
	ctx := context.Background()
	for name, p := range map[string]domain.Payload{
		"nil cookies":  {},
		"unrelated":    {Cookies: map[string]any{"foo": "bar", "auth": map[string]any{"x": "y"}}},
		"blank values": {Cookies: map[string]any{"ssid": "   "}},
		"puuid only":   {PUUID: "p-1"},
	} {
		t.Run(name, func(t *testing.T) {
			svc, _, st, _ := newService(t, "n1")
			_, err := svc.Ingest(ctx, Submission{UserID: "123456789", Nonce: "n1", Payload: p})
			assert.ErrorIs(t, err, domain.ErrEmptySubmission)
			assert.Zero(t, st.puts)
		})
	}
}

func TestIngestStoreFailureIsDistinct(t *testing.T) {
	svc, _, st, rec := newService(t, "n1")
	st.putErr = errors.New("disk full")
	_, err := svc.Ingest(context.Background(), Submission{UserID: "123456789", Nonce: "n1", Payload: ssidPayload("abc")})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, errors.Is(err, domain.ErrEmptySubmission))
	assert.Zero(t, rec.c[metrics.CounterCredentialsSaved])
}

func TestIngestEncryptionFailure(t *testing.T) {
	svc, _, st, _ := newService(t, "n1")
	svc.Codec = failingSealer{Sealer: svc.Codec}
	_, err := svc.Ingest(context.Background(), Submission{UserID: "123456789", Nonce: "n1", Payload: ssidPayload("abc")})
	assert.ErrorIs(t, err, ErrEncryptionUnavailable)
	assert.Zero(t, st.puts)
}

func TestIngestNonceRegistryFailure(t *testing.T) {
	svc, n, _, _ := newService(t, "n1")
	n.err = errors.New("redis down")
	_, err := svc.Ingest(context.Background(), Submission{UserID: "123456789", Nonce: "n1", Payload: ssidPayload("abc")})
	assert.ErrorIs(t, err, ErrNonceUnavailable)
}

func TestIngestNilMetrics(t *testing.T) {
	svc, _, _, _ := newService(t, "n1")
	svc.Metrics = nil
	_, err := svc.Ingest(context.Background(), Submission{UserID: "123456789", Nonce: "n1", Payload: ssidPayload("abc")})
	assert.NoError(t, err)
}

func TestLoadBundleErrors(t *testing.T) {
	ctx := context.Background()
	svc, _, st, _ := newService(t)

	_, _, err := svc.LoadBundle(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrMalformedIdentity)

	_, _, err = svc.LoadBundle(ctx, "123456789")
	assert.ErrorIs(t, err, ErrNotFound)

	st.recs["123456789"] = codec.Record{Algorithm: "rot13", Ciphertext: []byte("x")}
	_, _, err = svc.LoadBundle(ctx, "123456789")
	assert.ErrorIs(t, err, codec.ErrUndecryptable)

	st.getErr = errors.New("conn reset")
	_, _, err = svc.LoadBundle(ctx, "123456789")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
