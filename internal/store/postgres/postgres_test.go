package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", Rebind("SELECT 1"))
	assert.Equal(t, "INSERT INTO t(a,b,c) VALUES($1,$2,$3)", Rebind("INSERT INTO t(a,b,c) VALUES(?,?,?)"))
	assert.Equal(t, "WHERE id = $1", Rebind("WHERE id = ?"))
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("postgres://u:p@db/relay"))
	assert.True(t, IsURL("postgresql://db/relay?sslmode=disable"))
	assert.False(t, IsURL(""))
	assert.False(t, IsURL("data/relay.db"))
	assert.False(t, IsURL("mysql://db"))
}

func TestMissingTable(t *testing.T) {
	undefined := &pq.Error{Code: "42P01", Message: `relation "user_auth_cookies" does not exist`}
	assert.True(t, missingTable(undefined))
	assert.True(t, missingTable(fmt.Errorf("exec: %w", undefined)))
	assert.False(t, missingTable(&pq.Error{Code: "23505"}))
	assert.False(t, missingTable(errors.New("no such table")))
}
