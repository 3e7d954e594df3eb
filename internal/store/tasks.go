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

// Promote atomically turns a requested task into a task owned by worker:
// read the requested row, insert a task row under the same id, delete the
// requested row, and append the reserved event. Returns ErrAlreadyReserved
// when a task row already exists for the id, ErrNotFound when the id is
// unknown on both sides.
func (s *Store) Promote(ctx context.Context, id, worker string, now time.Time) (*zimfarm.Task, error) {
	now = now.UTC()
	var task *zimfarm.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id=?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists > 0 {
			return ErrAlreadyReserved
		}

		row := tx.QueryRowContext(ctx, `SELECT `+requestedCols+` FROM requested_tasks WHERE id=?`, id)
		rt, err := scanRequested(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read requested task: %w", err)
		}

		cfgJSON, err := marshalConfig(rt.Config)
		if err != nil {
			return err
		}
		const ins = `
INSERT INTO tasks (id, schedule_name, config_json, requested_by, priority, worker, status, requested_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins,
			id, nullIfEmpty(rt.ScheduleName), cfgJSON, rt.RequestedBy, rt.Priority,
			worker, zimfarm.StatusReserved.String(), rt.Timestamp[zimfarm.EventRequested].UTC()); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM requested_tasks WHERE id=?`, id); err != nil {
			return fmt.Errorf("delete requested task: %w", err)
		}

		payload, _ := json.Marshal(map[string]any{"worker": worker, "timestamp": now.Format(time.RFC3339)})
		if err := appendEventTx(ctx, tx, id, zimfarm.Event{
			Code:      zimfarm.EventReserved,
			Timestamp: now,
			Payload:   payload,
		}); err != nil {
			return err
		}

		task, err = getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// AppendEvent validates and records one worker-reported event, updating
// the denormalized status (lifecycle events) or the file registry (file
// events). Re-submitting the lifecycle event already recorded last is a
// no-op. The server stamps the timestamp; payload is stored as-is.
func (s *Store) AppendEvent(ctx context.Context, id string, code zimfarm.EventCode, payload json.RawMessage, now time.Time) (zimfarm.Status, error) {
	if !code.Valid() {
		return "", ErrBadEvent
	}
	now = now.UTC()

	var status zimfarm.Status
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		status = zimfarm.Status(cur)

		if code.IsFileEvent() {
			if status.IsTerminal() {
				return ErrBadTransition
			}
			if err := applyFileEventTx(ctx, tx, id, code, payload); err != nil {
				return err
			}
			return appendEventTx(ctx, tx, id, zimfarm.Event{Code: code, Timestamp: now, Payload: payload})
		}

		// idempotent re-submission of the recorded transition
		if zimfarm.Status(code) == status {
			return nil
		}
		if !zimfarm.CanTransition(status, code) {
			return ErrBadTransition
		}
		if err := appendEventTx(ctx, tx, id, zimfarm.Event{Code: code, Timestamp: now, Payload: payload}); err != nil {
			return err
		}
		status = zimfarm.Status(code)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=?`, status.String(), id); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		// scraper_started carries the container record
		if code == zimfarm.EventScraperStarted && len(payload) > 0 {
			var info zimfarm.ContainerInfo
			if err := json.Unmarshal(payload, &info); err == nil {
				raw, _ := json.Marshal(info)
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET container_json=? WHERE id=?`, string(raw), id); err != nil {
					return fmt.Errorf("update container info: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func applyFileEventTx(ctx context.Context, tx *sql.Tx, id string, code zimfarm.EventCode, payload json.RawMessage) error {
	switch code {
	case zimfarm.EventCreatedFile:
		var body struct {
			File struct {
				Name string `json:"name"`
				Size int64  `json:"size"`
			} `json:"file"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.File.Name == "" {
			return fmt.Errorf("%w: created_file payload", ErrBadEvent)
		}
		const ins = `
INSERT INTO task_files(task_id, name, size, status) VALUES(?, ?, ?, ?)
ON CONFLICT(task_id, name) DO UPDATE SET size=excluded.size;`
		if _, err := tx.ExecContext(ctx, ins, id, body.File.Name, body.File.Size, zimfarm.FilePending.String()); err != nil {
			return fmt.Errorf("insert task file: %w", err)
		}
	case zimfarm.EventUploadedFile, zimfarm.EventFailedFile:
		var body struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Filename == "" {
			return fmt.Errorf("%w: %s payload", ErrBadEvent, code)
		}
		target := zimfarm.FileUploaded
		if code == zimfarm.EventFailedFile {
			target = zimfarm.FileFailed
		}
		res, err := tx.ExecContext(ctx, `UPDATE task_files SET status=? WHERE task_id=? AND name=?`,
			target.String(), id, body.Filename)
		if err != nil {
			return fmt.Errorf("update task file: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

const taskCols = `id, schedule_name, config_json, requested_by, priority, worker, status, container_json, debug_json, requested_at`

func scanTask(scan func(dest ...any) error) (*zimfarm.Task, error) {
	var (
		id, cfgJSON, requestedBy, worker, status, containerJSON string
		scheduleName, debugJSON                                 sql.NullString
		priority                                                int
		requestedAt                                             time.Time
	)
	if err := scan(&id, &scheduleName, &cfgJSON, &requestedBy, &priority, &worker, &status, &containerJSON, &debugJSON, &requestedAt); err != nil {
		return nil, err
	}
	cfg, err := unmarshalConfig(cfgJSON)
	if err != nil {
		return nil, err
	}
	t := &zimfarm.Task{
		ID:           id,
		ScheduleName: fromNullString(scheduleName),
		Config:       cfg,
		RequestedBy:  requestedBy,
		Priority:     priority,
		Worker:       worker,
		Status:       zimfarm.Status(status),
		Timestamp:    zimfarm.Timestamps{zimfarm.EventRequested: requestedAt.UTC()},
	}
	if containerJSON != "" {
		_ = json.Unmarshal([]byte(containerJSON), &t.Container)
	}
	if debugJSON.Valid && debugJSON.String != "" {
		t.Debug = json.RawMessage(debugJSON.String)
	}
	return t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*zimfarm.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Events, err = loadEventsTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	t.Timestamp = timestampsOf(t.Events)

	const fq = `SELECT name, size, status FROM task_files WHERE task_id=? ORDER BY name`
	rows, err := tx.QueryContext(ctx, fq, id)
	if err != nil {
		return nil, fmt.Errorf("query task files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fi zimfarm.FileInfo
		var st string
		if err := rows.Scan(&fi.Name, &fi.Size, &st); err != nil {
			return nil, fmt.Errorf("scan task file: %w", err)
		}
		fi.Status = zimfarm.FileStatus(st)
		if t.Files == nil {
			t.Files = map[string]zimfarm.FileInfo{}
		}
		t.Files[fi.Name] = fi
	}
	return t, rows.Err()
}

// GetTask returns one task with its event log and file registry.
func (s *Store) GetTask(ctx context.Context, id string) (*zimfarm.Task, error) {
	var t *zimfarm.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TaskFilter narrows ListTasks / CountTasks.
type TaskFilter struct {
	Statuses     []zimfarm.Status
	ScheduleName string
}

func (f TaskFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		conds = append(conds, "status IN ("+ph+")")
		for _, st := range f.Statuses {
			args = append(args, st.String())
		}
	}
	if f.ScheduleName != "" {
		conds = append(conds, "schedule_name=?")
		args = append(args, f.ScheduleName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTasks returns tasks sorted by request time, newest first. Events and
// files are not loaded for listings.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter, skip, limit int) ([]*zimfarm.Task, error) {
	where, args := f.where()
	q := `SELECT ` + taskCols + ` FROM tasks` + where + ` ORDER BY requested_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*zimfarm.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CountTasks returns the number of tasks matching f.
func (s *Store) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// SetDebug stores diagnostic data on a task.
func (s *Store) SetDebug(ctx context.Context, id string, debug json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET debug_json=? WHERE id=?`, string(debug), id)
	if err != nil {
		return fmt.Errorf("set debug: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
