// Package history keeps a bounded log of dispatched mutations for the
// session history action.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultRetention is the number of records kept when none is configured.
const DefaultRetention = 200

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Record is one dispatched mutation.
type Record struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	EntryID   string    `json:"entryId,omitempty"`
	Outcome   string    `json:"outcome"`
	ErrorCode string    `json:"errorCode,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists records in SQL.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	retention int
	clock     func() time.Time
	logger    *slog.Logger
}

// Open connects with driver ("sqlite" or "postgres") and migrates.
func Open(ctx context.Context, driver, dsn string, retention int, logger *slog.Logger) (*Store, error) {
	dialect := Dialect(driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, dialect, retention, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and migrates the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, retention int, logger *slog.Logger) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default().With("component", "history")
	}
	s := &Store{db: db, dialect: dialect, retention: retention, clock: time.Now, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	query := `
	CREATE TABLE IF NOT EXISTS dispatch_history (
		` + seq + `,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		entry_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append stores r, filling ID and At when empty, then trims to the
// retention count.
func (s *Store) Append(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = s.clock()
	}
	r.At = r.At.UTC()

	query := s.rebind(`INSERT INTO dispatch_history (id, action, entry_id, outcome, error_code, at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.Action, r.EntryID, r.Outcome, r.ErrorCode, r.At.Format(time.RFC3339Nano)); err != nil {
		return r, fmt.Errorf("failed to insert history record: %w", err)
	}
	if _, err := s.Prune(ctx, s.retention); err != nil {
		s.logger.WarnContext(ctx, "history: prune failed", "error", err)
	}
	return r, nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = s.retention
	}
	query := s.rebind(`SELECT id, action, entry_id, outcome, error_code, at FROM dispatch_history ORDER BY seq DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Record{}
	for rows.Next() {
		var r Record
		var at string
		if err := rows.Scan(&r.ID, &r.Action, &r.EntryID, &r.Outcome, &r.ErrorCode, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("history row %s: bad timestamp: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes all but the newest retain records.
func (s *Store) Prune(ctx context.Context, retain int) (int64, error) {
	query := s.rebind(`DELETE FROM dispatch_history WHERE seq NOT IN (SELECT seq FROM dispatch_history ORDER BY seq DESC LIMIT ?)`)
	res, err := s.db.ExecContext(ctx, query, retain)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
