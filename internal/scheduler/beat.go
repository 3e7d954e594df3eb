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

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"zimfarm/pkg/zimfarm"
)

// beatUser is recorded as requested_by on beat-fired tasks.
const beatUser = "periodic-scheduler"

// beatReload is how often cron entries are rebuilt from the schedules
// table so edits take effect without a restart.
const beatReload = 5 * time.Minute

// Beat fires RequestTasks on the cron expression each enabled schedule
// carries. The requested-task de-dup absorbs entries firing while a
// previous invocation is still queued.
type Beat struct {
	sched *Scheduler
	log   *slog.Logger
	cron  *cron.Cron
}

// NewBeat returns a Beat driving the given scheduler.
func NewBeat(sched *Scheduler, log *slog.Logger) *Beat {
	return &Beat{sched: sched, log: log}
}

// Run loads cron entries and keeps them in sync with the schedules table
// until ctx is canceled.
func (b *Beat) Run(ctx context.Context) {
	b.reload(ctx)

	ticker := time.NewTicker(beatReload)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if b.cron != nil {
				<-b.cron.Stop().Done()
			}
			return
		case <-ticker.C:
			b.reload(ctx)
		}
	}
}

func (b *Beat) reload(ctx context.Context) {
	schedules, err := b.sched.store.ListBeatSchedules(ctx)
	if err != nil {
		b.log.Error("load beat schedules", "error", err)
		return
	}

	next := cron.New()
	for _, sch := range schedules {
		name := sch.Name
		_, err := next.AddFunc(sch.Beat, func() {
			if _, err := b.sched.RequestTasks(ctx, []string{name}, beatUser, zimfarm.MinPriority, ""); err != nil {
				b.log.Warn("beat request failed", "schedule", name, "error", err)
			}
		})
		if err != nil {
			b.log.Warn("invalid beat expression", "schedule", name, "beat", sch.Beat, "error", err)
		}
	}

	if b.cron != nil {
		<-b.cron.Stop().Done()
	}
	b.cron = next
	b.cron.Start()
	b.log.Debug("beat entries loaded", "count", len(next.Entries()))
}
