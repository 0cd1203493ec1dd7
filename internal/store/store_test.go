package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/ssidrelay/internal/app"
	"github.com/haukened/ssidrelay/internal/codec"
	"github.com/haukened/ssidrelay/internal/domain"
	"github.com/haukened/ssidrelay/internal/store"
	"github.com/haukened/ssidrelay/internal/store/sqlite"
)

// fixedClock implements app.Clock for deterministic tests.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func record(b byte) codec.Record {
	return codec.Record{Algorithm: codec.AlgXChaCha20Poly1305, KeyVersion: 1, Ciphertext: []byte{b, b, b, b}}
}

const uid = domain.UserID("123456789")

func TestUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(sqlite.New(db), fixedClock{now: t0})

	require.NoError(t, st.Upsert(ctx, uid, record('A'), app.RecordMeta{UserAgent: "ua-a", LastIP: "10.0.0.1", UpdatedAt: t0}))
	t1 := t0.Add(time.Hour)
	require.NoError(t, st.Upsert(ctx, uid, record('B'), app.RecordMeta{UserAgent: "ua-b", UpdatedAt: t1}))

	rec, meta, err := st.Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, record('B'), rec)
	assert.Equal(t, "ua-b", meta.UserAgent)
	assert.Empty(t, meta.LastIP, "no residue of the first submission")
	assert.Equal(t, t1, meta.UpdatedAt)

	var rows int
	var created int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*), MIN(created_at) FROM user_auth_cookies`).Scan(&rows, &created))
	assert.Equal(t, 1, rows)
	assert.Equal(t, t0.Unix(), created, "created_at survives upserts")
}

func TestGetNotFound(t *testing.T) {
	st := store.New(sqlite.New(openTestDB(t)), fixedClock{now: time.Now()})
	_, _, err := st.Get(context.Background(), uid)
	assert.ErrorIs(t, err, app.ErrNotFound)
}

func TestLazyTableCreation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	st := store.New(sqlite.New(db), fixedClock{now: time.Now()})

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='user_auth_cookies'`).Scan(&n))
	assert.Zero(t, n, "no table before first use")

	require.NoError(t, st.Upsert(ctx, uid, record('A'), app.RecordMeta{}))

	_, err := db.Exec(`DROP TABLE user_auth_cookies`)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, uid, record('B'), app.RecordMeta{}), "table is recreated after drop")
	rec, _, err := st.Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, record('B'), rec)
}

func TestCreateFailureRetried(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	db.SetMaxOpenConns(1)
	st := store.New(sqlite.New(db), fixedClock{now: time.Now()})

	_, err := db.Exec(`PRAGMA query_only = 1`)
	require.NoError(t, err)
	require.Error(t, st.Upsert(ctx, uid, record('A'), app.RecordMeta{}))

	_, err = db.Exec(`PRAGMA query_only = 0`)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, uid, record('A'), app.RecordMeta{}), "creation is retried on the next call")
}

func TestConcurrentUpsertsDifferentUsers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	st := store.New(sqlite.New(db), fixedClock{now: time.Now()})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := domain.UserID(fmt.Sprintf("1000000%02d", i))
			errs <- st.Upsert(ctx, id, record(byte('a'+i)), app.RecordMeta{})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM user_auth_cookies`).Scan(&n))
	assert.Equal(t, 16, n)
}

func TestConcurrentUpsertsSameUser(t *testing.T) {
	ctx := context.Background()
	st := store.New(sqlite.New(openTestDB(t)), fixedClock{now: time.Now()})

	const writers = 12
	written := make(map[string]codec.Record, writers)
	for i := range writers {
		written[fmt.Sprintf("ua-%02d", i)] = record(byte('a' + i))
	}

	type reading struct {
		rec  codec.Record
		meta app.RecordMeta
	}
	var wg sync.WaitGroup
	errs := make(chan error, writers+4)
	readings := make(chan reading, 4*50)
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for range 50 {
				select {
				case <-stop:
					return
				default:
				}
				rec, meta, err := st.Get(ctx, uid)
				if errors.Is(err, app.ErrNotFound) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				readings <- reading{rec: rec, meta: meta}
			}
		}()
	}
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ua := fmt.Sprintf("ua-%02d", i)
			errs <- st.Upsert(ctx, uid, written[ua], app.RecordMeta{UserAgent: ua, LastIP: ua})
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	close(readings)
	for err := range errs {
		require.NoError(t, err)
	}

	for r := range readings {
		want, ok := written[r.meta.UserAgent]
		require.True(t, ok, "read a user agent nobody wrote: %q", r.meta.UserAgent)
		assert.Equal(t, want, r.rec, "record and metadata come from the same write")
		assert.Equal(t, r.meta.UserAgent, r.meta.LastIP)
	}

	rec, meta, err := st.Get(ctx, uid)
	require.NoError(t, err)
	want, ok := written[meta.UserAgent]
	require.True(t, ok, "final row is one of the writes")
	assert.Equal(t, want, rec)
	assert.Equal(t, meta.UserAgent, meta.LastIP)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	st := store.New(sqlite.New(openTestDB(t)), fixedClock{now: time.Now()})
	assert.ErrorIs(t, st.Upsert(ctx, "abc", record('A'), app.RecordMeta{}), domain.ErrMalformedIdentity)
	assert.Error(t, st.Upsert(ctx, uid, codec.Record{}, app.RecordMeta{}))

	var nilStore *store.Store
	assert.Error(t, nilStore.Upsert(ctx, uid, record('A'), app.RecordMeta{}))
	_, _, err := nilStore.Get(ctx, uid)
	assert.Error(t, err)
}

type failingIndex struct{ err error }

func (f failingIndex) Upsert(context.Context, store.Row) error { return f.err }
func (f failingIndex) Get(context.Context, string) (store.Row, error) {
	return store.Row{}, f.err
}

func TestIndexErrorsPropagate(t *testing.T) {
	boom := errors.New("disk full")
	st := store.New(failingIndex{err: boom}, fixedClock{now: time.Now()})
	assert.ErrorIs(t, st.Upsert(context.Background(), uid, record('A'), app.RecordMeta{}), boom)
	_, _, err := st.Get(context.Background(), uid)
	assert.ErrorIs(t, err, boom)
}
