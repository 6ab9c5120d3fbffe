package relica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/internal/storetest"
	"github.com/coregx/resonance/migrations"
	"github.com/coregx/resonance/model"
)

func openSQLite(t *testing.T, prefix string) *Store {
	t.Helper()

	db, err := sql.Open(DriverSQLite3, filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	require.NoError(t, migrations.Apply(db, migrations.DriverSQLite3, prefix))

	cfg := DefaultConfig(DriverSQLite3)
	if prefix != "" {
		cfg.TablePrefix = prefix
	}
	store, err := NewStore(db, cfg)
	require.NoError(t, err)
	return store
}

func TestStore_SQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) resonance.Store {
		return openSQLite(t, "")
	})
}

func TestStore_CustomTablePrefix(t *testing.T) {
	store := openSQLite(t, "bus_")
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	topic, err := store.SaveTopic(ctx, &model.Topic{Name: "orders", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.NotZero(t, topic.ID)

	var count int
	require.NoError(t, store.sqlDB.QueryRow("SELECT COUNT(*) FROM bus_topic").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestNewStore_Validation(t *testing.T) {
	db, err := sql.Open(DriverSQLite3, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	tests := []struct {
		name string
		db   *sql.DB
		cfg  Config
	}{
		{"nil database", nil, DefaultConfig(DriverSQLite3)},
		{"unknown driver", db, DefaultConfig("oracle")},
		{"negative retries", db, Config{Driver: DriverSQLite3, MaxRetriesOnDeadlock: -1}},
		{"negative timeout", db, Config{Driver: DriverSQLite3, CommandTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.db, tt.cfg)
			require.Error(t, err)
			assert.Nil(t, store)
			assert.Equal(t, resonance.ErrCodeConfiguration, resonance.CodeOf(err))
		})
	}
}

func TestNewStore_Defaults(t *testing.T) {
	db, err := sql.Open(DriverSQLite3, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStore(db, Config{Driver: DriverSQLite3})
	require.NoError(t, err)
	assert.Equal(t, "resonance_topic", store.t.topic)
	assert.Equal(t, "resonance_dead_letter", store.t.deadLetter)
	assert.Equal(t, 5, store.policy.MaxAttempts)

	store, err = NewStore(db, Config{Driver: DriverSQLite3, MaxRetriesOnDeadlock: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, store.policy.MaxAttempts)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	my := &Store{driver: DriverMySQL}

	query := "SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind(query))
	assert.Equal(t, query, my.rebind(query))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestLikePattern(t *testing.T) {
	tests := []struct {
		part string
		want string
	}{
		{"", "%%"},
		{"Orders", "%orders%"},
		{"50%", "%50!%%"},
		{"a_b", "%a!_b%"},
		{"wow!", "%wow!!%"},
	}

	for _, tt := range tests {
		t.Run(tt.part, func(t *testing.T) {
			assert.Equal(t, tt.want, likePattern(tt.part))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		unique    bool
	}{
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true, false},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, true, false},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, false, true},
		{"mysql syntax", &mysql.MySQLError{Number: 1064}, false, false},
		{"postgres deadlock", &pq.Error{Code: "40P01"}, true, false},
		{"postgres serialization", &pq.Error{Code: "40001"}, true, false},
		{"postgres lock not available", &pq.Error{Code: "55P03"}, true, false},
		{"postgres unique", &pq.Error{Code: "23505"}, false, true},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true, false},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true, false},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, false, true},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, false, true},
		{"wrapped", fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1213}), true, false},
		{"plain", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, isTransient(tt.err))
			assert.Equal(t, tt.unique, isUniqueViolation(tt.err))
		})
	}
}

func TestDBError(t *testing.T) {
	assert.NoError(t, dbError("x", nil))
	assert.True(t, resonance.IsNotFound(dbError("x", sql.ErrNoRows)))
	assert.Equal(t, resonance.ErrCodeConflict, resonance.CodeOf(dbError("x", &pq.Error{Code: "23505"})))
	assert.Equal(t, resonance.ErrCodeDatabase, resonance.CodeOf(dbError("x", errors.New("boom"))))

	stale := resonance.NewError(resonance.ErrCodeStaleClaim, "gone")
	assert.Same(t, stale, dbError("x", stale))
}

func TestWithRetry_TransientExhausted(t *testing.T) {
	store := openSQLite(t, "")
	store.policy = store.policy.WithMaxAttempts(2)
	store.policy.BaseDelay = time.Millisecond
	store.policy.MaxDelay = time.Millisecond

	calls := 0
	_, err := withRetry(context.Background(), store, func(context.Context) (int, error) {
		calls++
		return 0, sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.Error(t, err)
	assert.Equal(t, resonance.ErrCodeTransient, resonance.CodeOf(err))
	assert.Equal(t, 2, calls)
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	store := openSQLite(t, "")

	calls := 0
	_, err := withRetry(context.Background(), store, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("syntax error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestClaimNext_DeliveryKeysAreUnique(t *testing.T) {
	store := openSQLite(t, "")
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	topic, err := store.SaveTopic(ctx, &model.Topic{Name: "orders", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, err = store.SaveSubscription(ctx, &model.Subscription{
		Name:               "billing",
		MaxDeliveries:      3,
		VisibilityTimeout:  time.Minute,
		TopicSubscriptions: []model.TopicSubscription{{TopicID: topic.ID, Enabled: true}},
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.InsertEvent(ctx, &model.TopicEvent{
			TopicID:         topic.ID,
			Payload:         fmt.Sprintf(`{"n":%d}`, i),
			Headers:         map[string]string{"n": fmt.Sprint(i)},
			PublicationDate: now,
			CreatedAt:       now,
		})
		require.NoError(t, err)
	}

	claimed, err := store.ClaimNext(ctx, "BILLING", 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	keys := map[string]bool{}
	for i, ce := range claimed {
		keys[ce.DeliveryKey] = true
		assert.Equal(t, fmt.Sprint(i), ce.Headers["n"])
	}
	assert.Len(t, keys, 3)
}

func TestClaimOne_ExpiringHeadRace(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	setup := func(t *testing.T) (*Store, *model.Subscription, []int64) {
		t.Helper()
		store := openSQLite(t, "")
		ctx := context.Background()

		topic, err := store.SaveTopic(ctx, &model.Topic{Name: "orders", CreatedAt: base, UpdatedAt: base})
		require.NoError(t, err)
		sub, err := store.SaveSubscription(ctx, &model.Subscription{
			Name:               "billing",
			Ordered:            true,
			MaxDeliveries:      3,
			VisibilityTimeout:  time.Minute,
			TopicSubscriptions: []model.TopicSubscription{{TopicID: topic.ID, Enabled: true}},
			CreatedAt:          base,
			UpdatedAt:          base,
		})
		require.NoError(t, err)

		expires := at(10)
		var ids []int64
		for i, exp := range []*time.Time{&expires, nil} {
			e, err := store.InsertEvent(ctx, &model.TopicEvent{
				TopicID:         topic.ID,
				FunctionalKey:   "k",
				Payload:         fmt.Sprintf(`{"n":%d}`, i),
				PublicationDate: at(i),
				ExpirationDate:  exp,
				CreatedAt:       base,
			})
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		return store, sub, ids
	}

	t.Run("Expired head claimed after successor", func(t *testing.T) {
		store, sub, ids := setup(t)
		ctx := context.Background()

		stale, err := store.findCandidates(ctx, *sub, 10, at(5))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, ids[0], stale[0].event.ID)

		claimed, err := store.ClaimNext(ctx, "billing", 10, at(11))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, ids[1], claimed[0].ID)

		_, ok, err := store.claimOne(ctx, *sub, stale[0], at(5))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.LoadDelivery(ctx, sub.ID, ids[0])
		assert.True(t, resonance.IsNotFound(err))
	})

	t.Run("Successor claimed after head", func(t *testing.T) {
		store, sub, ids := setup(t)
		ctx := context.Background()

		stale, err := store.findCandidates(ctx, *sub, 10, at(11))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, ids[1], stale[0].event.ID)

		claimed, err := store.ClaimNext(ctx, "billing", 10, at(5))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, ids[0], claimed[0].ID)

		_, ok, err := store.claimOne(ctx, *sub, stale[0], at(11))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.LoadDelivery(ctx, sub.ID, ids[1])
		assert.True(t, resonance.IsNotFound(err))
	})
}
