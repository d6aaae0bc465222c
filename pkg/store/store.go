// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists the download queue and per-IP rate counters in a
// single-file SQLite database.
//
// The store is the only shared mutable state in the gateway. Transactions are
// opened per operation; nothing holds a transaction across a network call.
// Timestamps are stored as RFC 3339 UTC strings so that lexicographic
// comparison in SQL matches chronological order.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
-- Queue table for model download requests
CREATE TABLE IF NOT EXISTS queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'native',
    quant TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    requester_ip TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Rate limiting table, one row per (ip, day)
CREATE TABLE IF NOT EXISTS rate_limits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ip_address TEXT NOT NULL,
    request_date TEXT NOT NULL,
    request_count INTEGER NOT NULL DEFAULT 1,
    UNIQUE(ip_address, request_date)
);

CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_model ON queue(model);
CREATE INDEX IF NOT EXISTS idx_rate_limits_ip_date ON rate_limits(ip_address, request_date);
`

// migrateColumns lists columns added after the initial release, applied
// in-place to databases created by older versions.
var migrateColumns = []struct {
	name string
	ddl  string
}{
	{"kind", `ALTER TABLE queue ADD COLUMN kind TEXT NOT NULL DEFAULT 'native'`},
	{"quant", `ALTER TABLE queue ADD COLUMN quant TEXT NOT NULL DEFAULT ''`},
	{"name", `ALTER TABLE queue ADD COLUMN name TEXT NOT NULL DEFAULT ''`},
}

// Store wraps the SQLite database holding the queue and rate-limit tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the queue database at path and ensures
// the schema is current. The parent directory is created if missing.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The gateway and the ingestion worker share this handle. WAL lets
	// readers proceed while the worker writes; busy_timeout covers the
	// brief writer-on-writer contention that remains.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("store.open", "path", path)
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	existing, err := s.tableColumns("queue")
	if err != nil {
		return err
	}
	for _, col := range migrateColumns {
		if _, ok := existing[col.name]; ok {
			continue
		}
		if _, err := s.db.Exec(col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
		s.logger.Info("store.migrate.column", "column", col.name)
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]struct{}, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeNow is swappable in tests.
var timeNow = time.Now

// timeLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano would
// drop trailing fractional zeros, and "...00.1Z" sorts after "...00.15Z";
// a fixed width keeps lexicographic order chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// now returns the current time as the canonical stored representation.
func now() string {
	return formatTime(timeNow())
}

// formatTime converts a time to the canonical stored representation.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime converts a stored timestamp back to a time.Time. Unparseable
// values (e.g. hand-edited rows) yield the zero time rather than an error.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
