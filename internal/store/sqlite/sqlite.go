// Package sqlite provides the SQLite dialect for the credential index. It is
// the default backend: a single database file in the data directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	// database/sql SQLite driver
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/haukened/ssidrelay/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS user_auth_cookies (
discord_user_id TEXT PRIMARY KEY,
algorithm TEXT NOT NULL,
key_version INTEGER NOT NULL,
ciphertext BLOB NOT NULL,
user_agent TEXT,
last_ip TEXT,
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL
);`

// Dialect is the SQLite flavour of store.Dialect.
var Dialect = store.Dialect{
	Name:         "sqlite",
	Schema:       schema,
	MissingTable: missingTable,
}

func missingTable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code != sqlite3.ErrError {
		return false
	}
	return strings.Contains(err.Error(), "no such table")
}

// Open opens the database file at path with WAL journaling and a busy
// timeout so concurrent upserts for different users queue instead of failing.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
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
