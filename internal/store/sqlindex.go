package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haukened/ssidrelay/internal/app"
)

var _ Index = (*SQLIndex)(nil)

const (
	upsertRow = `INSERT INTO user_auth_cookies
(discord_user_id, algorithm, key_version, ciphertext, user_agent, last_ip, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT (discord_user_id) DO UPDATE SET
algorithm = excluded.algorithm,
key_version = excluded.key_version,
ciphertext = excluded.ciphertext,
user_agent = excluded.user_agent,
last_ip = excluded.last_ip,
updated_at = excluded.updated_at`
	selectRow = `SELECT algorithm, key_version, ciphertext, user_agent, last_ip, created_at, updated_at
FROM user_auth_cookies WHERE discord_user_id = ?`
)

// SQLIndex implements Index over database/sql. The table is created on first
// use; a failed creation is retried by the next call, and a table dropped
// underneath a running process is recreated once per statement.
type SQLIndex struct {
	db      *sql.DB
	dialect Dialect

	mu    sync.Mutex
	ready bool
}

// NewSQLIndex returns an index bound to db. No statement is executed until
// the first Upsert or Get.
func NewSQLIndex(db *sql.DB, d Dialect) *SQLIndex {
	if d.Rebind == nil {
		d.Rebind = func(q string) string { return q }
	}
	if d.MissingTable == nil {
		d.MissingTable = func(error) bool { return false }
	}
	return &SQLIndex{db: db, dialect: d}
}

// Rebind exposes the dialect placeholder rewrite for sibling SQL users
// (the metrics manager shares the connection).
func (i *SQLIndex) Rebind(q string) string { return i.dialect.Rebind(q) }

func (i *SQLIndex) ensure(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ready {
		return nil
	}
	if _, err := i.db.ExecContext(ctx, i.dialect.Schema); err != nil {
		return fmt.Errorf("%s: create table: %w", i.dialect.Name, err)
	}
	i.ready = true
	return nil
}

func (i *SQLIndex) forget() {
	i.mu.Lock()
	i.ready = false
	i.mu.Unlock()
}

// withTable runs fn after ensuring the table exists, retrying once if fn
// reports the table missing.
func (i *SQLIndex) withTable(ctx context.Context, fn func() error) error {
	if err := i.ensure(ctx); err != nil {
		return err
	}
	err := fn()
	if err == nil || !i.dialect.MissingTable(err) {
		return err
	}
	i.forget()
	if err := i.ensure(ctx); err != nil {
		return err
	}
	return fn()
}

// Upsert writes r in a single statement.
func (i *SQLIndex) Upsert(ctx context.Context, r Row) error {
	if r.UserID == "" {
		return errors.New("empty user id")
	}
	q := i.dialect.Rebind(upsertRow)
	return i.withTable(ctx, func() error {
		_, err := i.db.ExecContext(ctx, q,
			r.UserID, r.Algorithm, r.KeyVersion, r.Ciphertext, r.UserAgent, r.LastIP,
			r.CreatedAt.Unix(), r.UpdatedAt.Unix())
		return err
	})
}

// Get loads the row for id.
func (i *SQLIndex) Get(ctx context.Context, id string) (Row, error) {
	q := i.dialect.Rebind(selectRow)
	var (
		r                 Row
		created, updated  int64
		userAgent, lastIP sql.NullString
	)
	err := i.withTable(ctx, func() error {
		return i.db.QueryRowContext(ctx, q, id).Scan(
			&r.Algorithm, &r.KeyVersion, &r.Ciphertext, &userAgent, &lastIP, &created, &updated)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, app.ErrNotFound
	}
	if err != nil {
		return Row{}, err
	}
	r.UserID = id
	r.UserAgent = userAgent.String
	r.LastIP = lastIP.String
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return r, nil
}
