package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenUsesWAL(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer db.Close()
	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestMissingTable(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`SELECT 1 FROM user_auth_cookies`)
	require.Error(t, err)
	assert.True(t, missingTable(err))

	_, err = db.Exec(`SELEKT 1`)
	require.Error(t, err)
	assert.False(t, missingTable(err))
	assert.False(t, missingTable(errors.New("connection refused")))
}
