package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance/cmd/resonance-server/internal/config"
)

func TestMySQLDSN(t *testing.T) {
	dsn, err := mysqlDSN("bus:secret@tcp(localhost:3306)/bus")
	require.NoError(t, err)

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, parsed.ParseTime)
	assert.True(t, parsed.MultiStatements)
	assert.Equal(t, "bus", parsed.DBName)

	_, err = mysqlDSN("not a dsn")
	assert.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	store, closeStore, err := openStore(config.DatabaseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	defer closeStore()

	topics, err := store.FindTopics(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestOpenStore_SQLite(t *testing.T) {
	store, closeStore, err := openStore(config.DatabaseConfig{
		Driver: config.DriverSQLite3,
		DSN:    filepath.Join(t.TempDir(), "bus.db"),
		Prefix: "resonance_",
	})
	require.NoError(t, err)
	defer closeStore()

	topics, err := store.FindTopics(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, topics)
}
