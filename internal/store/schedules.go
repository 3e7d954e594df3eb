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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zimfarm/pkg/zimfarm"
)

// --------------- Schedules ---------------

// UpsertSchedule inserts or updates a schedule by name.
func (s *Store) UpsertSchedule(ctx context.Context, sch zimfarm.Schedule) error {
	cfgJSON, err := marshalConfig(sch.Config)
	if err != nil {
		return err
	}
	const upsert = `
INSERT INTO schedules(name, enabled, config_json, beat) VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  enabled=excluded.enabled,
  config_json=excluded.config_json,
  beat=excluded.beat;`
	enabled := 0
	if sch.Enabled {
		enabled = 1
	}
	if _, err := s.db.ExecContext(ctx, upsert, sch.Name, enabled, cfgJSON, sch.Beat); err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func scanSchedule(scan func(dest ...any) error) (*zimfarm.Schedule, error) {
	var (
		name, cfgJSON, beat string
		enabled             int
	)
	if err := scan(&name, &enabled, &cfgJSON, &beat); err != nil {
		return nil, err
	}
	cfg, err := unmarshalConfig(cfgJSON)
	if err != nil {
		return nil, err
	}
	return &zimfarm.Schedule{Name: name, Enabled: enabled != 0, Config: cfg, Beat: beat}, nil
}

// GetEnabledSchedule returns the named schedule if it exists and is enabled.
func (s *Store) GetEnabledSchedule(ctx context.Context, name string) (*zimfarm.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, enabled, config_json, beat FROM schedules WHERE name=? AND enabled=1`, name)
	sch, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

// CountEnabledSchedules returns how many of the given names exist enabled.
func (s *Store) CountEnabledSchedules(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, 0, len(names))
	for _, n := range names {
		args = append(args, n)
	}
	var n int
	q := `SELECT COUNT(1) FROM schedules WHERE enabled=1 AND name IN (` + ph + `)`
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return n, nil
}

// ListBeatSchedules returns enabled schedules carrying a beat expression.
func (s *Store) ListBeatSchedules(ctx context.Context) ([]*zimfarm.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, enabled, config_json, beat FROM schedules WHERE enabled=1 AND beat != '' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list beat schedules: %w", err)
	}
	defer rows.Close()

	var out []*zimfarm.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// --------------- Workers ---------------

// UpsertWorker records a worker check-in: identity, advertised resources
// and offliner capabilities, last_seen.
func (s *Store) UpsertWorker(ctx context.Context, w zimfarm.Worker) error {
	offliners, err := json.Marshal(w.Offliners)
	if err != nil {
		return fmt.Errorf("marshal offliners: %w", err)
	}
	const upsert = `
INSERT INTO workers(name, username, last_seen, cpu, memory, disk, offliners_json)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  username=excluded.username,
  last_seen=excluded.last_seen,
  cpu=excluded.cpu,
  memory=excluded.memory,
  disk=excluded.disk,
  offliners_json=excluded.offliners_json;`
	_, err = s.db.ExecContext(ctx, upsert, w.Name, w.Username, w.LastSeen.UTC(),
		w.Resources.CPU, w.Resources.Memory, w.Resources.Disk, string(offliners))
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by name.
func (s *Store) GetWorker(ctx context.Context, name string) (*zimfarm.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, username, last_seen, cpu, memory, disk, offliners_json FROM workers WHERE name=?`, name)
	w, err := scanWorker(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all known workers ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]*zimfarm.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, username, last_seen, cpu, memory, disk, offliners_json FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*zimfarm.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorker(scan func(dest ...any) error) (*zimfarm.Worker, error) {
	var (
		name, username, offliners string
		lastSeen                  time.Time
		cpu                       int
		memory, disk              int64
	)
	if err := scan(&name, &username, &lastSeen, &cpu, &memory, &disk, &offliners); err != nil {
		return nil, err
	}
	w := &zimfarm.Worker{
		Name:      name,
		Username:  username,
		LastSeen:  lastSeen.UTC(),
		Resources: zimfarm.Resources{CPU: cpu, Memory: memory, Disk: disk},
	}
	if err := json.Unmarshal([]byte(offliners), &w.Offliners); err != nil {
		return nil, fmt.Errorf("unmarshal offliners: %w", err)
	}
	return w, nil
}
