// Package kvstore implements the record half of capability C3: a
// table/key/record store with conditional writes, backed by SQLite —
// modernc.org/sqlite (pure Go) by default, or github.com/mattn/go-sqlite3
// (CGo) when selected via driver name, mirroring the two drivers the
// teacher repo already carries in go.mod. Conditional puts are the
// mechanism the Subscriber Controller (C10) and Classification Engine
// (C8) rely on for linearizable state transitions and exactly-once
// writes, grounded on the migrate-on-open, JSON-column pattern in
// internal/scheduler/store.go.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/contentdigest/internal/errkind"
)

// DriverModernc selects the pure-Go modernc.org/sqlite driver (default).
const DriverModernc = "modernc"

// DriverMattn selects the CGo-based github.com/mattn/go-sqlite3 driver.
const DriverMattn = "mattn"

// ErrNotFound is returned by Get when no record exists at (table, key).
var ErrNotFound = errors.New("kvstore: record not found")

// ErrConditionFailed is returned by Put when an if_absent or
// if_version condition does not hold. Callers should treat this as
// "another writer won" per spec.md §7's DataIntegrity policy: re-read
// and retry at most once, or surface.
var ErrConditionFailed = errors.New("kvstore: condition failed")

// Condition selects the write semantics for Put.
type Condition int

const (
	// Unconditional always writes, creating or overwriting the record
	// and incrementing its version.
	Unconditional Condition = iota

	// IfAbsent writes only when no record currently exists at the key.
	IfAbsent

	// IfVersion writes only when the current record's version matches
	// PutOptions.ExpectedVersion.
	IfVersion
)

// PutOptions configures a single Put call.
type PutOptions struct {
	Condition       Condition
	ExpectedVersion int64
}

// Item is one record returned by Query.
type Item struct {
	Key     string
	Version int64
	Record  json.RawMessage
}

// Store is a SQLite-backed key/value store supporting multiple logical
// tables within a single database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path using the
// named driver (DriverModernc or DriverMattn; empty defaults to
// DriverModernc) and runs the schema migration.
func Open(path, driver string) (*Store, error) {
	driverName, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: serialize writers, matching the teacher's scheduler.Store usage pattern

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: migrate: %w", err)
	}
	return s, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "", DriverModernc:
		return "sqlite", nil
	case DriverMattn:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("kvstore: %w: unknown driver %q", errkind.ConfigurationError, driver)
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv_items (
		table_name TEXT NOT NULL,
		key        TEXT NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		record     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (table_name, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_items_table ON kv_items(table_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put writes record at (table, key) subject to opts.Condition,
// returning the record's new version on success.
func (s *Store) Put(ctx context.Context, table, key string, record any, opts PutOptions) (int64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("kvstore: marshal record for %s/%s: %w", table, key, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch opts.Condition {
	case IfAbsent:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_items (table_name, key, version, record, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(table_name, key) DO NOTHING
		`, table, key, string(data), now)
		if err != nil {
			return 0, fmt.Errorf("kvstore: put if_absent %s/%s: %w", table, key, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return 0, fmt.Errorf("kvstore: put %s/%s: %w", table, key, ErrConditionFailed)
		}
		return 1, nil

	case IfVersion:
		res, err := s.db.ExecContext(ctx, `
			UPDATE kv_items SET record = ?, version = version + 1, updated_at = ?
			WHERE table_name = ? AND key = ? AND version = ?
		`, string(data), now, table, key, opts.ExpectedVersion)
		if err != nil {
			return 0, fmt.Errorf("kvstore: put if_version %s/%s: %w", table, key, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return 0, fmt.Errorf("kvstore: put %s/%s: %w", table, key, ErrConditionFailed)
		}
		return opts.ExpectedVersion + 1, nil

	default: // Unconditional
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_items (table_name, key, version, record, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(table_name, key) DO UPDATE SET
				record = excluded.record,
				version = kv_items.version + 1,
				updated_at = excluded.updated_at
		`, table, key, string(data), now)
		if err != nil {
			return 0, fmt.Errorf("kvstore: put %s/%s: %w", table, key, err)
		}
		return s.currentVersion(ctx, table, key)
	}
}

func (s *Store) currentVersion(ctx context.Context, table, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM kv_items WHERE table_name = ? AND key = ?`, table, key).Scan(&v)
	return v, err
}

// Get reads the record at (table, key) into out and returns its version.
func (s *Store) Get(ctx context.Context, table, key string, out any) (int64, error) {
	var version int64
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, record FROM kv_items WHERE table_name = ? AND key = ?
	`, table, key).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("kvstore: get %s/%s: %w", table, key, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("kvstore: get %s/%s: %w", table, key, err)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(data), out); err != nil {
			return 0, fmt.Errorf("kvstore: unmarshal %s/%s: %w", table, key, err)
		}
	}
	return version, nil
}

// Delete removes the record at (table, key). Deleting a missing key is
// not an error.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE table_name = ? AND key = ?`, table, key)
	if err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Query scans every record in table and returns those for which
// predicate returns true. This trades index-assisted lookups for
// simplicity: at the table sizes this pipeline runs at (single-digit
// thousands of subscribers and classifications per run) a full table
// scan with an in-process predicate is well within the per-stage
// deadline, and it keeps secondary-index definitions out of the SQL
// layer entirely.
func (s *Store) Query(ctx context.Context, table string, predicate func(key string, record json.RawMessage) bool) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, version, record FROM kv_items WHERE table_name = ?
	`, table)
	if err != nil {
		return nil, fmt.Errorf("kvstore: query %s: %w", table, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var key string
		var version int64
		var data string
		if err := rows.Scan(&key, &version, &data); err != nil {
			return nil, fmt.Errorf("kvstore: query %s: scan: %w", table, err)
		}
		raw := json.RawMessage(data)
		if predicate == nil || predicate(key, raw) {
			items = append(items, Item{Key: key, Version: version, Record: raw})
		}
	}
	return items, rows.Err()
}
