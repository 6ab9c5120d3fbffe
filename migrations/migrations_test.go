package migrations

import (
	"database/sql"
	"io"
	"io/fs"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryDialectHasMatchingScripts(t *testing.T) {
	for _, dialect := range []string{DriverSQLite3, DriverMySQL, DriverPostgres} {
		t.Run(dialect, func(t *testing.T) {
			entries, err := fs.ReadDir(Files, dialect)
			require.NoError(t, err)

			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			assert.ElementsMatch(t, []string{"000001_init.up.sql", "000001_init.down.sql"}, names)
		})
	}
}

func TestPrefixedFSRewritesTableNames(t *testing.T) {
	f, err := prefixedFS{fsys: Files, prefix: "bus_"}.Open("postgres/000001_init.up.sql")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS bus_topic")
	assert.NotContains(t, string(data), DefaultPrefix)
}

func TestApplySQLite(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		table  string
	}{
		{name: "default prefix", prefix: "", table: "resonance_delivery"},
		{name: "custom prefix", prefix: "bus_", table: "bus_delivery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := sql.Open(DriverSQLite3, filepath.Join(t.TempDir(), "bus.db"))
			require.NoError(t, err)
			defer db.Close()

			require.NoError(t, Apply(db, DriverSQLite3, tt.prefix))
			// Second run finds nothing to do.
			require.NoError(t, Apply(db, DriverSQLite3, tt.prefix))

			var count int
			err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", tt.table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestApplyUnsupportedDriver(t *testing.T) {
	err := Apply(nil, "oracle", "")
	require.Error(t, err)
}
