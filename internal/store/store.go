package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tasklife/nag/internal/task"
)

// ErrNotFound is wrapped by lookups for rows that do not exist, so
// callers can tell a missing row from a store failure.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary for task occurrences and the
// dispatch ledger. All conditional updates are single-row
// compare-and-set statements: the boolean result reports whether this
// caller won the row, and losing is not an error.
type Store interface {
	// Task occurrences
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	DueForStage(ctx context.Context, stage task.Stage, cutoff time.Time, limit int) ([]task.Task, error)
	ClaimStage(ctx context.Context, id string, stage task.Stage, at time.Time) (bool, error)
	OverdueForMiss(ctx context.Context, cutoff time.Time, limit int) ([]task.Task, error)
	ClaimMissed(ctx context.Context, id string, at time.Time) (bool, error)
	MarkDone(ctx context.Context, id string, at time.Time) (bool, error)
	RecentSlotOutcomes(ctx context.Context, userID string, before time.Time, limit int) ([]SlotOutcome, error)

	// Dispatch ledger
	InsertPending(ctx context.Context, taskID string, ch task.Channel, at time.Time) (string, error)
	MarkDispatched(ctx context.Context, logID, externalID string, at time.Time) error
	MarkFailed(ctx context.Context, logID, reason string, at time.Time) error
	InsertDispatched(ctx context.Context, taskID string, ch task.Channel, note string, at time.Time) (string, error)
	StalePending(ctx context.Context, olderThan time.Time, limit int) ([]DispatchRecord, error)
	ClaimRetry(ctx context.Context, logID string, notSince, at time.Time) (bool, error)
	GetDispatch(ctx context.Context, logID string) (*DispatchRecord, error)
	DispatchesForTask(ctx context.Context, taskID string) ([]DispatchRecord, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql. SQLite backs single-node
// and test deployments, Postgres backs shared ones; the SQL is written
// once with ? placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database named by dsn and initializes the
// schema. A postgres:// or postgresql:// DSN selects the pgx driver;
// anything else is treated as a SQLite path or file: URI.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	var s *SQLStore
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		s = &SQLStore{db: db, dialect: dialectPostgres}
	default:
		uri := dsn
		if !strings.HasPrefix(dsn, "file:") {
			// Create parent directories for a bare path
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create parent directories: %w", err)
				}
			}
			uri = "file:" + dsn
		}
		connStr := sqliteConnString(uri,
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		)
		db, err := sql.Open("sqlite", connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// Two connections: the poller and the recovery scanner run
		// concurrently against the same file.
		db.SetMaxOpenConns(2)
		s = &SQLStore{db: db, dialect: dialectSQLite}
	}

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenMemory creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func OpenMemory(ctx context.Context) (*SQLStore, error) {
	connStr := sqliteConnString("file::memory:?mode=memory&cache=shared",
		"busy_timeout(5000)",
		"foreign_keys(1)",
	)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// A single connection serializes concurrent test writers; shared-cache
	// table locks would otherwise surface as spurious SQLITE_LOCKED errors.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// sqliteConnString appends _pragma parameters to a SQLite file: URI.
// modernc.org/sqlite runs each _pragma=name(value) on every new
// connection; busy_timeout and foreign_keys are connection-scoped and
// an Exec after open reaches only one pooled connection.
func sqliteConnString(uri string, pragmas ...string) string {
	var b strings.Builder
	b.WriteString(uri)
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to the dialect's form.
func (s *SQLStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
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

// Timestamps are stored as UTC epoch milliseconds so the schema stays
// dialect-neutral and rows order totally.

func ms(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}
