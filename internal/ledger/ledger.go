// Package ledger persists revision traces in SQLite.
//
// A ledger holds runs and, per run, the trace events of every rank in seq
// order. The store is append-only. Writes are idempotent: re-appending an
// event with the same (run, rank, seq) is a no-op, and the single-generator
// index rejects a second completion of the same revision on the same rank.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// Run describes one execution of a program across all ranks.
type Run struct {
	ID    string
	Ranks int
	Label string
}

// Event is one stored trace event.
type Event struct {
	RunID  string
	Rank   int
	Seq    int64
	Kind   string
	Task   string
	Object uint64
	Row    int
	Col    int
	Time   int64
	Mode   string
	Detail string
}

// RevisionKey identifies a revision within a run.
type RevisionKey struct {
	RunID  string
	Object uint64
	Row    int
	Col    int
	Time   int64
}

// Ledger is a SQLite-backed trace store. Safe for concurrent use by the
// ranks of one process.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens a ledger at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// BeginRun registers a run. Registering the same id twice is a no-op.
func (l *Ledger) BeginRun(ctx context.Context, run Run) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, ranks, label)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Ranks, run.Label)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// Append stores ev and reports whether a row was inserted. A duplicate
// (run, rank, seq) or a second completion of the same revision on the same
// rank is ignored.
func (l *Ledger) Append(ctx context.Context, ev Event) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO events
		(run_id, rank, seq, kind, task, object, tile_row, tile_col, rev_time, mode, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		ev.RunID,
		ev.Rank,
		ev.Seq,
		ev.Kind,
		ev.Task,
		int64(ev.Object),
		ev.Row,
		ev.Col,
		ev.Time,
		ev.Mode,
		ev.Detail,
	)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return n == 1, nil
}

// Events returns the events of a run ordered by rank, then seq.
func (l *Ledger) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, rank, seq, kind, task, object, tile_row, tile_col, rev_time, mode, detail
		FROM events
		WHERE run_id = ?
		ORDER BY rank ASC, seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev  Event
			obj int64
		)
		if err := rows.Scan(&ev.RunID, &ev.Rank, &ev.Seq, &ev.Kind, &ev.Task, &obj, &ev.Row, &ev.Col, &ev.Time, &ev.Mode, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Object = uint64(obj)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Runs returns every run in registration order.
func (l *Ledger) Runs(ctx context.Context) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ranks, label FROM runs ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Ranks, &r.Label); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GeneratorCount returns how many ranks completed the revision key.
func (l *Ledger) GeneratorCount(ctx context.Context, key RevisionKey) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE run_id = ? AND kind = 'complete'
		  AND object = ? AND tile_row = ? AND tile_col = ? AND rev_time = ?
	`, key.RunID, int64(key.Object), key.Row, key.Col, key.Time).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count generators: %w", err)
	}
	return n, nil
}
