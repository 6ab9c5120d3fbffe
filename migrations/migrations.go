// Package migrations embeds the SQL schema of the relica store and applies it with
// golang-migrate.
//
// Each supported driver has its own directory (sqlite3, mysql, postgres). Table names in
// the scripts use the default "resonance_" prefix; Apply rewrites them when another
// prefix is configured.
//
// MySQL connections must be opened with multiStatements=true and parseTime=true.
package migrations

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// DefaultPrefix is the table prefix the embedded scripts are written with.
const DefaultPrefix = "resonance_"

// Files holds the migration scripts of every dialect.
//
//go:embed sqlite3/*.sql mysql/*.sql postgres/*.sql
var Files embed.FS

// Supported driver names, as passed to sql.Open.
const (
	DriverSQLite3  = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Apply migrates db to the latest schema version. An up-to-date schema is not an error.
// An empty prefix means DefaultPrefix.
func Apply(db *sql.DB, driverName, prefix string) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	source, err := iofs.New(prefixedFS{fsys: Files, prefix: prefix}, driverName)
	if err != nil {
		return fmt.Errorf("open migrations for %s: %w", driverName, err)
	}

	driver, err := databaseDriver(db, driverName, prefix+"schema_migrations")
	if err != nil {
		return fmt.Errorf("initialise %s migration driver: %w", driverName, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func databaseDriver(db *sql.DB, driverName, migrationsTable string) (database.Driver, error) {
	switch driverName {
	case DriverSQLite3:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: migrationsTable})
	case DriverMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: migrationsTable})
	case DriverPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	default:
		return nil, fmt.Errorf("unsupported driver %q (supported: %s, %s, %s)",
			driverName, DriverSQLite3, DriverMySQL, DriverPostgres)
	}
}

// prefixedFS serves the embedded scripts with DefaultPrefix replaced by prefix.
type prefixedFS struct {
	fsys   fs.FS
	prefix string
}

func (p prefixedFS) Open(name string) (fs.File, error) {
	f, err := p.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	if p.prefix == DefaultPrefix || !strings.HasSuffix(name, ".sql") {
		return f, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	data = bytes.ReplaceAll(data, []byte(DefaultPrefix), []byte(p.prefix))
	return &rewrittenFile{Reader: bytes.NewReader(data), info: info}, nil
}

type rewrittenFile struct {
	*bytes.Reader
	info fs.FileInfo
}

func (f *rewrittenFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *rewrittenFile) Close() error               { return nil }
