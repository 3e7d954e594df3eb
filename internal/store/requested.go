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
	"errors"
	"fmt"
	"strings"
	"time"

	"zimfarm/pkg/zimfarm"
)

// RequestedFilter narrows ListRequested / CountRequested. Zero values mean
// "no constraint". Matching* implement the worker capability query: a task
// matches when its needs fit within the offered resources and its offliner
// is in MatchingOffliners.
type RequestedFilter struct {
	ScheduleName string
	Priority     *int
	Worker       string // tasks bound to this worker OR unbound

	MatchingCPU       *int
	MatchingMemory    *int64
	MatchingDisk      *int64
	MatchingOffliners []string

	// ExcludeIDs skips ids already seen; used by the reservation retry.
	ExcludeIDs []string
}

func (f RequestedFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ScheduleName != "" {
		conds = append(conds, "schedule_name=?")
		args = append(args, f.ScheduleName)
	}
	if f.Priority != nil {
		conds = append(conds, "priority>=?")
		args = append(args, *f.Priority)
	}
	if f.Worker != "" {
		conds = append(conds, "(worker IS NULL OR worker=?)")
		args = append(args, f.Worker)
	}
	if f.MatchingCPU != nil {
		conds = append(conds, "cpu<=?")
		args = append(args, *f.MatchingCPU)
	}
	if f.MatchingMemory != nil {
		conds = append(conds, "memory<=?")
		args = append(args, *f.MatchingMemory)
	}
	if f.MatchingDisk != nil {
		conds = append(conds, "disk<=?")
		args = append(args, *f.MatchingDisk)
	}
	if len(f.MatchingOffliners) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.MatchingOffliners)), ",")
		conds = append(conds, "task_name IN ("+ph+")")
		for _, o := range f.MatchingOffliners {
			args = append(args, o)
		}
	}
	if len(f.ExcludeIDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeIDs)), ",")
		conds = append(conds, "id NOT IN ("+ph+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// requestedOrder is the queue order: priority first, then recently
// unreserved tasks (re-requested after a worker crash) ahead of stale
// ones. DESC puts NULL reserved_at rows last in SQLite. Ties break by id.
const requestedOrder = ` ORDER BY priority DESC, reserved_at DESC, requested_at DESC, id ASC`

// CreateRequested inserts a requested task and its initial event. Returns
// ErrDuplicate when an active requested task already exists for the same
// (schedule_name, worker) tuple.
func (s *Store) CreateRequested(ctx context.Context, rt *zimfarm.RequestedTask) error {
	cfgJSON, err := marshalConfig(rt.Config)
	if err != nil {
		return err
	}
	requestedAt, ok := rt.Timestamp[zimfarm.EventRequested]
	if !ok {
		return fmt.Errorf("requested task %s has no requested timestamp", rt.ID)
	}
	var reservedAt any
	if at, ok := rt.Timestamp[zimfarm.EventReserved]; ok {
		reservedAt = at.UTC()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO requested_tasks (id, schedule_name, config_json, requested_by, priority, worker,
  task_name, cpu, memory, disk, requested_at, reserved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, ins,
			rt.ID, nullIfEmpty(rt.ScheduleName), cfgJSON, rt.RequestedBy, rt.Priority,
			nullIfEmpty(rt.Worker), rt.Config.TaskName,
			rt.Config.Resources.CPU, rt.Config.Resources.Memory, rt.Config.Resources.Disk,
			requestedAt.UTC(), reservedAt)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
				strings.Contains(err.Error(), "constraint failed: requested_tasks") {
				return ErrDuplicate
			}
			return fmt.Errorf("insert requested task: %w", err)
		}
		return appendEventTx(ctx, tx, rt.ID, zimfarm.Event{
			Code:      zimfarm.EventRequested,
			Timestamp: requestedAt.UTC(),
		})
	})
}

// HasRequested reports whether an active requested task exists for the
// (schedule_name, worker) tuple.
func (s *Store) HasRequested(ctx context.Context, scheduleName, worker string) (bool, error) {
	const q = `SELECT COUNT(1) FROM requested_tasks WHERE schedule_name=? AND IFNULL(worker,'')=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, scheduleName, worker).Scan(&n); err != nil {
		return false, fmt.Errorf("count requested: %w", err)
	}
	return n > 0, nil
}

const requestedCols = `id, schedule_name, config_json, requested_by, priority, worker, requested_at, reserved_at`

func scanRequested(scan func(dest ...any) error) (*zimfarm.RequestedTask, error) {
	var (
		id, cfgJSON, requestedBy string
		scheduleName, worker     sql.NullString
		priority                 int
		requestedAt              time.Time
		reservedAt               sql.NullTime
	)
	if err := scan(&id, &scheduleName, &cfgJSON, &requestedBy, &priority, &worker, &requestedAt, &reservedAt); err != nil {
		return nil, err
	}
	cfg, err := unmarshalConfig(cfgJSON)
	if err != nil {
		return nil, err
	}
	rt := &zimfarm.RequestedTask{
		ID:           id,
		ScheduleName: fromNullString(scheduleName),
		Config:       cfg,
		RequestedBy:  requestedBy,
		Priority:     priority,
		Worker:       fromNullString(worker),
		Timestamp:    zimfarm.Timestamps{zimfarm.EventRequested: requestedAt.UTC()},
	}
	if reservedAt.Valid {
		rt.Timestamp[zimfarm.EventReserved] = reservedAt.Time.UTC()
	}
	return rt, nil
}

// GetRequested returns one requested task with its event log.
func (s *Store) GetRequested(ctx context.Context, id string) (*zimfarm.RequestedTask, error) {
	var rt *zimfarm.RequestedTask
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+requestedCols+` FROM requested_tasks WHERE id=?`, id)
		var err error
		rt, err = scanRequested(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get requested task: %w", err)
		}
		rt.Events, err = loadEventsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		rt.Timestamp = timestampsOf(rt.Events)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// ListRequested returns requested tasks in queue order. Events are not
// loaded for listings.
func (s *Store) ListRequested(ctx context.Context, f RequestedFilter, skip, limit int) ([]*zimfarm.RequestedTask, error) {
	where, args := f.where()
	q := `SELECT ` + requestedCols + ` FROM requested_tasks` + where + requestedOrder + ` LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list requested tasks: %w", err)
	}
	defer rows.Close()

	var out []*zimfarm.RequestedTask
	for rows.Next() {
		rt, err := scanRequested(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan requested task: %w", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requested tasks: %w", err)
	}
	return out, nil
}

// CountRequested returns the number of requested tasks matching f.
func (s *Store) CountRequested(ctx context.Context, f RequestedFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM requested_tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count requested tasks: %w", err)
	}
	return n, nil
}

// DeleteRequested drops a not-yet-reserved task.
func (s *Store) DeleteRequested(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM requested_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete requested task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRequestedPriority sets the priority of a requested task and
// reports whether the stored value changed.
func (s *Store) UpdateRequestedPriority(ctx context.Context, id string, priority int) (bool, error) {
	if priority < zimfarm.MinPriority || priority > zimfarm.MaxPriority {
		return false, fmt.Errorf("priority %d out of range", priority)
	}
	var changed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var cur int
		err := tx.QueryRowContext(ctx, `SELECT priority FROM requested_tasks WHERE id=?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read priority: %w", err)
		}
		if cur == priority {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE requested_tasks SET priority=? WHERE id=?`, priority, id); err != nil {
			return fmt.Errorf("update priority: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}
