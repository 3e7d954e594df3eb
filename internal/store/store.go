// Zimfarm is a distributed scraping farm that builds ZIM file archives.
// Copyright (C) 2025 Kiwix
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed task store of the dispatcher:
// schedules, requested tasks, tasks with their append-only event log,
// workers and users.
//
// Promote and AppendEvent are the two lifecycle mutations; both run in a
// single serializable transaction per task id. Requested task and task
// rows share one id space and are mutually exclusive: a given id lives in
// requested_tasks until promoted, in tasks afterwards.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"zimfarm/pkg/zimfarm"
)

const defaultBusyTimeout = 5 * time.Second

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyReserved indicates a task row already exists for the id,
	// so the requested task was promoted by someone else.
	ErrAlreadyReserved = errors.New("already reserved")
	// ErrDuplicate indicates the (schedule_name, worker) tuple already has
	// an active requested task.
	ErrDuplicate = errors.New("duplicate requested task")
	// ErrBadTransition indicates the event is not applicable to the task's
	// current status.
	ErrBadTransition = errors.New("forbidden transition")
	// ErrBadEvent indicates the event code is not part of the vocabulary.
	ErrBadEvent = errors.New("unknown event code")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction. If fn returns an
// error, the transaction is rolled back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key='schema_version'`
	var val string
	err := s.db.QueryRowContext(ctx, q).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES('schema_version', ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	if _, err := s.db.ExecContext(ctx, upsert, fmt.Sprintf("%d", v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
  username      TEXT PRIMARY KEY,
  password_hash TEXT NOT NULL,
  role          TEXT NOT NULL DEFAULT 'worker',
  ssh_keys      TEXT NOT NULL DEFAULT ''
);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
  token      TEXT PRIMARY KEY,
  username   TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
  expires_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS schedules (
  name        TEXT PRIMARY KEY,
  enabled     INTEGER NOT NULL DEFAULT 1,
  config_json TEXT NOT NULL,
  beat        TEXT NOT NULL DEFAULT ''
);`,
		// task_name, cpu, memory and disk are denormalized out of
		// config_json so the match query can be indexed.
		`CREATE TABLE IF NOT EXISTS requested_tasks (
  id            TEXT PRIMARY KEY,
  schedule_name TEXT NULL,
  config_json   TEXT NOT NULL,
  requested_by  TEXT NOT NULL,
  priority      INTEGER NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 10),
  worker        TEXT NULL,
  task_name     TEXT NOT NULL,
  cpu           INTEGER NOT NULL,
  memory        INTEGER NOT NULL,
  disk          INTEGER NOT NULL,
  requested_at  TIMESTAMP NOT NULL,
  reserved_at   TIMESTAMP NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_requested_dedup
  ON requested_tasks(schedule_name, IFNULL(worker,''))
  WHERE schedule_name IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_requested_order
  ON requested_tasks(priority DESC, reserved_at DESC, requested_at DESC);`,
		`CREATE TABLE IF NOT EXISTS tasks (
  id             TEXT PRIMARY KEY,
  schedule_name  TEXT NULL,
  config_json    TEXT NOT NULL,
  requested_by   TEXT NOT NULL,
  priority       INTEGER NOT NULL DEFAULT 0,
  worker         TEXT NOT NULL,
  status         TEXT NOT NULL,
  container_json TEXT NOT NULL DEFAULT '{}',
  debug_json     TEXT NULL,
  requested_at   TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, requested_at DESC);`,
		// Shared id space for requested tasks and tasks; no FK so events
		// survive promotion.
		`CREATE TABLE IF NOT EXISTS task_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id      TEXT NOT NULL,
  code         TEXT NOT NULL,
  time         TIMESTAMP NOT NULL,
  payload_json TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);`,
		`CREATE TABLE IF NOT EXISTS task_files (
  task_id TEXT NOT NULL,
  name    TEXT NOT NULL,
  size    INTEGER NOT NULL DEFAULT 0,
  status  TEXT NOT NULL,
  PRIMARY KEY (task_id, name)
);`,
		`CREATE TABLE IF NOT EXISTS workers (
  name           TEXT PRIMARY KEY,
  username       TEXT NOT NULL,
  last_seen      TIMESTAMP NOT NULL,
  cpu            INTEGER NOT NULL DEFAULT 0,
  memory         INTEGER NOT NULL DEFAULT 0,
  disk           INTEGER NOT NULL DEFAULT 0,
  offliners_json TEXT NOT NULL DEFAULT '[]'
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_name_username ON workers(name, username);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- helpers ---------------

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func marshalConfig(cfg zimfarm.ScheduleConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(b), nil
}

func unmarshalConfig(raw string) (zimfarm.ScheduleConfig, error) {
	var cfg zimfarm.ScheduleConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// loadEvents returns the event log for an id, oldest first, within tx.
func loadEventsTx(ctx context.Context, tx *sql.Tx, id string) ([]zimfarm.Event, error) {
	const q = `SELECT code, time, payload_json FROM task_events WHERE task_id=? ORDER BY id ASC`
	rows, err := tx.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []zimfarm.Event
	for rows.Next() {
		var (
			code    string
			at      time.Time
			payload sql.NullString
		)
		if err := rows.Scan(&code, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := zimfarm.Event{Code: zimfarm.EventCode(code), Timestamp: at.UTC()}
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// timestampsOf derives the per-code timestamp map from an event log,
// keeping the last occurrence of each code.
func timestampsOf(events []zimfarm.Event) zimfarm.Timestamps {
	ts := zimfarm.Timestamps{}
	for _, ev := range events {
		ts[ev.Code] = ev.Timestamp
	}
	return ts
}

func appendEventTx(ctx context.Context, tx *sql.Tx, id string, ev zimfarm.Event) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	const ins = `INSERT INTO task_events(task_id, code, time, payload_json) VALUES(?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, ins, id, ev.Code.String(), ev.Timestamp.UTC(), payload); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
