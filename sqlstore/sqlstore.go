// Package sqlstore is a small SQLite facade for scripts. Calls block, and
// are meant to be run through [eventloop.Loop.Promisify] so the loop never
// waits on the database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// registers the pure-Go "sqlite" database/sql driver
	_ "github.com/glebarez/sqlite"
	"github.com/joeycumines/logiface"
)

// ErrStatementNotAllowed is returned for ATTACH and DETACH, which would
// reach files outside the opened database.
var ErrStatementNotAllowed = errors.New("sqlstore: statement not allowed")

// Result is the outcome of Exec.
type Result struct {
	Changes      int64 `json:"changes"`
	LastInsertID int64 `json:"lastInsertId"`
}

// DB is an open database. It is safe for concurrent use.
type DB struct {
	db     *sql.DB
	logger *logiface.Logger[logiface.Event]
	path   string
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string, logger *logiface.Logger[logiface.Event]) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlstore: empty path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %q: %w", path, err)
	}
	if path == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: open %q: %w", path, err)
	}
	logger.Debug().Str("path", path).Log("sqlstore: opened")
	return &DB{db: db, path: path, logger: logger}, nil
}

// Path returns the path Open was called with.
func (d *DB) Path() string { return d.path }

// Query runs a statement that returns rows. Each row maps column name to
// value; BLOB and TEXT both come back as strings.
func (d *DB) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: columns: %w", err)
	}
	result := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[columns[i]] = v
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows: %w", err)
	}
	d.logger.Trace().Int("rows", len(result)).Log("sqlstore: query")
	return result, nil
}

// Exec runs a statement that does not return rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if err := checkStatement(query); err != nil {
		return Result{}, err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("sqlstore: exec: %w", err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return Result{Changes: changes, LastInsertID: lastID}, nil
}

// Close closes the database. Further calls fail.
func (d *DB) Close() error {
	return d.db.Close()
}

func checkStatement(query string) error {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(head, blocked) {
			return fmt.Errorf("%w: %s", ErrStatementNotAllowed, blocked)
		}
	}
	return nil
}
