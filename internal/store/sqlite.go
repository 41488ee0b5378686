package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/frost-solutions/nightmeter/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// SQLiteStore keeps the ledger in a SQLite database, one row per step.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	held *sql.Conn // connection inside BEGIN IMMEDIATE while locked
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens or creates the ledger database at the given path.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating meter dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening meter db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) conn() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		return s.held
	}
	return s.db
}

// Lock starts a BEGIN IMMEDIATE transaction on a dedicated connection, which
// excludes writers in other processes until unlock commits it. Load and Save
// run on that connection while the lock is held.
func (s *SQLiteStore) Lock(ctx context.Context) (func() error, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring meter db connection: %w", err)
	}
	if _, err := c.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("locking meter db: %w", err)
	}

	s.mu.Lock()
	s.held = c
	s.mu.Unlock()

	return func() error {
		s.mu.Lock()
		s.held = nil
		s.mu.Unlock()
		defer func() { _ = c.Close() }()

		if _, err := c.ExecContext(context.Background(), "COMMIT"); err != nil {
			_, _ = c.ExecContext(context.Background(), "ROLLBACK")
			return fmt.Errorf("committing meter db: %w", err)
		}
		return nil
	}, nil
}

// Load reads the whole ledger.
func (s *SQLiteStore) Load(ctx context.Context) (model.Ledger, error) {
	q := s.conn()

	var (
		l        model.Ledger
		startStr string
	)
	err := q.QueryRowContext(ctx, "SELECT total, start_time FROM meter WHERE id = 1").Scan(&l.Total, &startStr)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, fmt.Errorf("reading meter: %w", err)
	}
	if l.StartTime, err = time.Parse(time.RFC3339Nano, startStr); err != nil {
		return model.Ledger{}, fmt.Errorf("%w: start_time %q: %v", ErrCorrupt, startStr, err)
	}

	l.By, err = loadByKind(ctx, q)
	if err != nil {
		return model.Ledger{}, err
	}
	l.Steps, err = loadSteps(ctx, q)
	if err != nil {
		return model.Ledger{}, err
	}
	l.Warnings, err = loadWarnings(ctx, q)
	if err != nil {
		return model.Ledger{}, err
	}

	l.Normalize()
	return l, nil
}

func loadByKind(ctx context.Context, q querier) (map[string]float64, error) {
	rows, err := q.QueryContext(ctx, "SELECT kind, spent FROM meter_by_kind")
	if err != nil {
		return nil, fmt.Errorf("reading meter kinds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	by := make(map[string]float64)
	for rows.Next() {
		var kind string
		var spent float64
		if err := rows.Scan(&kind, &spent); err != nil {
			return nil, err
		}
		by[kind] = spent
	}
	return by, rows.Err()
}

func loadSteps(ctx context.Context, q querier) ([]model.Step, error) {
	rows, err := q.QueryContext(ctx, `SELECT timestamp, step, kind, count, cost, total_after
		FROM meter_steps ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("reading meter steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := []model.Step{}
	for rows.Next() {
		var st model.Step
		var ts string
		if err := rows.Scan(&ts, &st.Step, &st.Kind, &st.Count, &st.Cost, &st.TotalAfter); err != nil {
			return nil, err
		}
		if st.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("%w: step timestamp %q: %v", ErrCorrupt, ts, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func loadWarnings(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT label FROM meter_warnings ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("reading meter warnings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	warnings := []string{}
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		warnings = append(warnings, label)
	}
	return warnings, rows.Err()
}

// Save replaces the stored ledger in a single transaction (a savepoint when
// the store is locked).
func (s *SQLiteStore) Save(ctx context.Context, l model.Ledger) error {
	s.mu.Lock()
	held := s.held
	s.mu.Unlock()

	if held != nil {
		if _, err := held.ExecContext(ctx, "SAVEPOINT save_meter"); err != nil {
			return fmt.Errorf("saving meter: %w", err)
		}
		if err := writeLedger(ctx, held, l); err != nil {
			_, _ = held.ExecContext(context.Background(), "ROLLBACK TO save_meter")
			_, _ = held.ExecContext(context.Background(), "RELEASE save_meter")
			return err
		}
		if _, err := held.ExecContext(ctx, "RELEASE save_meter"); err != nil {
			return fmt.Errorf("saving meter: %w", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := writeLedger(ctx, tx, l); err != nil {
		return err
	}
	return tx.Commit()
}

func writeLedger(ctx context.Context, q querier, l model.Ledger) error {
	now := time.Now().UTC().Format(time.RFC3339)

	for _, stmt := range []string{
		"DELETE FROM meter_steps",
		"DELETE FROM meter_by_kind",
		"DELETE FROM meter_warnings",
	} {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clearing meter: %w", err)
		}
	}

	_, err := q.ExecContext(ctx, `INSERT OR REPLACE INTO meter (id, total, start_time, saved_at)
		VALUES (1, ?, ?, ?)`,
		l.Total, l.StartTime.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("writing meter: %w", err)
	}

	for kind, spent := range l.By {
		if _, err := q.ExecContext(ctx, "INSERT INTO meter_by_kind (kind, spent) VALUES (?, ?)", kind, spent); err != nil {
			return fmt.Errorf("writing meter kind %s: %w", kind, err)
		}
	}

	for i, st := range l.Steps {
		_, err := q.ExecContext(ctx, `INSERT INTO meter_steps
			(seq, timestamp, step, kind, count, cost, total_after)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i+1, st.Timestamp.UTC().Format(time.RFC3339Nano), st.Step, st.Kind, st.Count, st.Cost, st.TotalAfter,
		)
		if err != nil {
			return fmt.Errorf("writing meter step %d: %w", i+1, err)
		}
	}

	for i, label := range l.Warnings {
		if _, err := q.ExecContext(ctx, "INSERT INTO meter_warnings (seq, label) VALUES (?, ?)", i+1, label); err != nil {
			return fmt.Errorf("writing meter warning %s: %w", label, err)
		}
	}

	return nil
}
