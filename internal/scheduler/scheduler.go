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

// Package scheduler turns schedules into requested tasks and matches
// requested tasks to workers. Reservation goes through the store's Promote
// so that two workers can never own the same task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"zimfarm/internal/offliner"
	"zimfarm/internal/store"
	"zimfarm/pkg/zimfarm"
)

// ErrNoSchedules indicates none of the given schedule names exist enabled.
var ErrNoSchedules = errors.New("no enabled schedule matches")

// reserveRetries bounds how often Reserve advances past a lost race before
// giving up and letting the caller poll again.
const reserveRetries = 3

// Scheduler implements task requesting and worker matching on top of the
// store.
type Scheduler struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New returns a Scheduler using the given store.
func New(st *store.Store, log *slog.Logger) *Scheduler {
	return &Scheduler{store: st, log: log, now: time.Now}
}

// RequestTasks creates one requested task per named schedule. Names that do
// not resolve to an enabled schedule are skipped; so are schedules that
// already have an active requested task for the same worker binding.
// Returns ErrNoSchedules when no name resolves at all. worker, when
// non-empty, binds the created tasks to that worker.
func (s *Scheduler) RequestTasks(ctx context.Context, names []string, requestedBy string, priority int, worker string) ([]*zimfarm.RequestedTask, error) {
	if priority < zimfarm.MinPriority || priority > zimfarm.MaxPriority {
		return nil, fmt.Errorf("priority %d out of range", priority)
	}

	known, err := s.store.CountEnabledSchedules(ctx, names)
	if err != nil {
		return nil, err
	}
	if known == 0 {
		return nil, ErrNoSchedules
	}

	now := s.now().UTC()
	var out []*zimfarm.RequestedTask
	for _, name := range names {
		sched, err := s.store.GetEnabledSchedule(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		cfg, err := offliner.ExpandConfig(sched.Config)
		if err != nil {
			s.log.Warn("schedule config does not expand", "schedule", name, "error", err)
			continue
		}

		rt := &zimfarm.RequestedTask{
			ID:           uuid.NewString(),
			ScheduleName: name,
			Config:       cfg,
			RequestedBy:  requestedBy,
			Priority:     priority,
			Worker:       worker,
			Timestamp:    zimfarm.Timestamps{zimfarm.EventRequested: now},
		}
		err = s.store.CreateRequested(ctx, rt)
		if errors.Is(err, store.ErrDuplicate) {
			s.log.Debug("schedule already requested", "schedule", name, "worker", worker)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, nil
}

// MatchFilter builds the requested-task filter for a worker offering the
// given resources and offliner capabilities.
func MatchFilter(workerName string, avail zimfarm.Resources, offliners []string) store.RequestedFilter {
	cpu := avail.CPU
	mem := avail.Memory
	disk := avail.Disk
	return store.RequestedFilter{
		Worker:            workerName,
		MatchingCPU:       &cpu,
		MatchingMemory:    &mem,
		MatchingDisk:      &disk,
		MatchingOffliners: offliners,
	}
}

// Upcoming lists the requested tasks the worker could run, best first.
func (s *Scheduler) Upcoming(ctx context.Context, workerName string, avail zimfarm.Resources, offliners []string, limit int) ([]*zimfarm.RequestedTask, error) {
	return s.store.ListRequested(ctx, MatchFilter(workerName, avail, offliners), 0, limit)
}

// Reserve picks the best matching requested task for the worker and
// promotes it. When the promotion loses a race it advances past the
// contested id, up to reserveRetries times. Returns store.ErrNotFound when
// nothing matches.
func (s *Scheduler) Reserve(ctx context.Context, workerName string, avail zimfarm.Resources, offliners []string) (*zimfarm.Task, error) {
	filter := MatchFilter(workerName, avail, offliners)
	for attempt := 0; attempt <= reserveRetries; attempt++ {
		candidates, err := s.store.ListRequested(ctx, filter, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, store.ErrNotFound
		}
		id := candidates[0].ID

		task, err := s.store.Promote(ctx, id, workerName, s.now())
		if err == nil {
			return task, nil
		}
		if errors.Is(err, store.ErrAlreadyReserved) || errors.Is(err, store.ErrNotFound) {
			filter.ExcludeIDs = append(filter.ExcludeIDs, id)
			continue
		}
		return nil, err
	}
	return nil, store.ErrNotFound
}
