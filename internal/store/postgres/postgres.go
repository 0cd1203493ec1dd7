// Package postgres provides the PostgreSQL dialect for the credential index,
// selected when the database URL has a postgres:// or postgresql:// scheme.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/haukened/ssidrelay/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS user_auth_cookies (
discord_user_id TEXT PRIMARY KEY,
algorithm TEXT NOT NULL,
key_version INTEGER NOT NULL,
ciphertext BYTEA NOT NULL,
user_agent TEXT,
last_ip TEXT,
created_at BIGINT NOT NULL,
updated_at BIGINT NOT NULL
)`

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = pq.ErrorCode("42P01")

// Dialect is the PostgreSQL flavour of store.Dialect.
var Dialect = store.Dialect{
	Name:         "postgres",
	Schema:       schema,
	Rebind:       Rebind,
	MissingTable: missingTable,
}

func missingTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == undefinedTable
}

// Rebind rewrites "?" placeholders to "$1", "$2", ... The queries in this
// module never carry a literal question mark.
func Rebind(q string) string {
	if !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsURL reports whether dsn selects this backend.
func IsURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New returns a credential index backed by db.
func New(db *sql.DB) *store.SQLIndex {
	return store.NewSQLIndex(db, Dialect)
}
