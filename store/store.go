// Package store persists the Plugin and Workflow aggregates in SQLite and
// publishes their queued domain events after each successful commit. Writes
// use optimistic concurrency on a row_version column.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/eventbus"
)

//go:embed migrations/001_initial.sql
var initialMigration string

// opTimeout bounds every database operation.
const opTimeout = 10 * time.Second

// Store owns the database handle shared by the aggregate stores.
type Store struct {
	db     *sql.DB
	events eventbus.Publisher
	logger *slog.Logger

	Plugins   *PluginStore
	Workflows *WorkflowStore
}

// Open opens (or creates) the SQLite database at dsn and runs the schema
// migration. Use ":memory:" for tests.
func Open(dsn string, events eventbus.Publisher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Apply pragmas through the DSN so every pooled connection gets them.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writes and avoids SQLITE_BUSY; it also
	// keeps :memory: databases from evaporating between pooled connections.
	db.SetMaxOpenConns(1)

	if dsn == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if _, err := db.Exec(initialMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db, events: events, logger: logger}
	s.Plugins = &PluginStore{store: s}
	s.Workflows = &WorkflowStore{store: s}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// opContext applies the database operation timeout.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// publishEvents drains an aggregate's queue into the event bus. Commit has
// already happened: publish failures are logged and dropped, never rolled
// back.
func (s *Store) publishEvents(ctx context.Context, events []domain.Event) {
	if s.events == nil {
		return
	}
	for _, e := range events {
		if err := s.events.Publish(ctx, e); err != nil {
			s.logger.Error("event publish failed",
				"event", e.EventName(),
				"aggregate_id", e.AggregateID(),
				"error", err)
		}
	}
}

// timestamps are stored as RFC3339Nano UTC strings.

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
