package relica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/relica"
	"github.com/google/uuid"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/retry"
)

var _ resonance.Store = (*Store)(nil)

// Supported driver names.
const (
	DriverSQLite3  = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// DefaultTablePrefix is the prefix of every table the store uses.
const DefaultTablePrefix = "resonance_"

// Config configures a Store.
type Config struct {
	Driver               string        // "sqlite3", "mysql" or "postgres"
	TablePrefix          string        // Default: "resonance_"
	MaxRetriesOnDeadlock int           // Attempts for transient engine errors. Default: retry.DefaultPolicy().MaxAttempts
	CommandTimeout       time.Duration // Per-operation deadline. Default: none
}

// DefaultConfig returns the configuration used when only the driver is known.
func DefaultConfig(driver string) Config {
	return Config{
		Driver:               driver,
		TablePrefix:          DefaultTablePrefix,
		MaxRetriesOnDeadlock: retry.DefaultPolicy().MaxAttempts,
	}
}

type tables struct {
	topic        string
	subscription string
	link         string
	linkFilter   string
	event        string
	eventHeader  string
	delivery     string
	deadLetter   string
}

func newTables(prefix string) tables {
	return tables{
		topic:        prefix + "topic",
		subscription: prefix + "subscription",
		link:         prefix + "topic_subscription",
		linkFilter:   prefix + "topic_subscription_filter",
		event:        prefix + "topic_event",
		eventHeader:  prefix + "event_header",
		delivery:     prefix + "delivery",
		deadLetter:   prefix + "dead_letter",
	}
}

// Store implements resonance.Store on MySQL, PostgreSQL or SQLite.
//
// Reads and single-row updates go through the Relica query builder. Writes spanning
// several rows run in database/sql transactions, and the claim protocol uses conditional
// statements guarded by the delivery key so that concurrent workers in any number of
// processes never obtain the same claim. The schema is created by the migrations package.
type Store struct {
	db             *relica.DB
	sqlDB          *sql.DB
	driver         string
	t              tables
	policy         retry.Policy
	commandTimeout time.Duration
	newDeliveryKey func() string
}

// NewStore wraps an open database handle.
//
// Example:
//
//	db, err := sql.Open("postgres", dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := migrations.Apply(db, "postgres", ""); err != nil {
//	    log.Fatal(err)
//	}
//	store, err := relica.NewStore(db, relica.DefaultConfig("postgres"))
func NewStore(db *sql.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, resonance.NewError(resonance.ErrCodeConfiguration, "database handle is required")
	}
	switch cfg.Driver {
	case DriverSQLite3, DriverMySQL, DriverPostgres:
	default:
		return nil, resonance.NewError(resonance.ErrCodeConfiguration,
			fmt.Sprintf("unsupported driver %q (supported: %s, %s, %s)", cfg.Driver, DriverSQLite3, DriverMySQL, DriverPostgres))
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = DefaultTablePrefix
	}
	if cfg.MaxRetriesOnDeadlock < 0 {
		return nil, resonance.NewError(resonance.ErrCodeConfiguration, "MaxRetriesOnDeadlock cannot be negative")
	}
	if cfg.CommandTimeout < 0 {
		return nil, resonance.NewError(resonance.ErrCodeConfiguration, "CommandTimeout cannot be negative")
	}

	policy := retry.DefaultPolicy()
	if cfg.MaxRetriesOnDeadlock > 0 {
		policy = policy.WithMaxAttempts(cfg.MaxRetriesOnDeadlock)
	}

	return &Store{
		db:             relica.WrapDB(db, cfg.Driver),
		sqlDB:          db,
		driver:         cfg.Driver,
		t:              newTables(cfg.TablePrefix),
		policy:         policy,
		commandTimeout: cfg.CommandTimeout,
		newDeliveryKey: uuid.NewString,
	}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rebind converts ? placeholders to the $n form PostgreSQL expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
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

func (s *Store) exec(ctx context.Context, q querier, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...interface{}) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

// insert runs an INSERT and returns the generated id.
func (s *Store) insert(ctx context.Context, q querier, query string, args ...interface{}) (int64, error) {
	if s.driver == DriverPostgres {
		var id int64
		err := q.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.commandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.commandTimeout)
}

// withRetry runs op under the command timeout, retrying transient engine errors.
// Exhausting the retry budget yields a TRANSIENT error.
func withRetry[T any](ctx context.Context, s *Store, op func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := retry.Do(ctx, s.policy, isTransient, func() (T, error) {
		return op(ctx)
	})
	if errors.Is(err, retry.ErrExhausted) {
		return v, resonance.NewErrorWithCause(resonance.ErrCodeTransient, "database stayed busy", err)
	}
	return v, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
