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

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"zimfarm/internal/broadcast"
	"zimfarm/internal/scheduler"
	"zimfarm/internal/store"
	"zimfarm/pkg/zimfarm"
)

type requestTasksBody struct {
	ScheduleNames []string `json:"schedule_names"`
	Priority      int      `json:"priority"`
	Worker        string   `json:"worker,omitempty"`
}

// POST /requested-tasks/
func (s *Server) handleRequestTasks(w http.ResponseWriter, r *http.Request) {
	var body requestTasksBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(body.ScheduleNames) == 0 {
		writeError(w, http.StatusBadRequest, "schedule_names is required")
		return
	}
	if body.Priority < zimfarm.MinPriority || body.Priority > zimfarm.MaxPriority {
		writeError(w, http.StatusBadRequest, "priority out of range")
		return
	}

	claims := claimsFrom(r.Context())
	created, err := s.sched.RequestTasks(r.Context(), body.ScheduleNames, claims.Username, body.Priority, body.Worker)
	if errors.Is(err, scheduler.ErrNoSchedules) {
		writeError(w, http.StatusNotFound, "no enabled schedule matches")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	ids := make([]string, 0, len(created))
	for _, rt := range created {
		ids = append(ids, rt.ID)
	}
	s.hub.PublishJSON(broadcast.TopicRequestedTasks, map[string]interface{}{"requested": ids})
	writeJSON(w, http.StatusCreated, map[string]interface{}{"requested": ids})
}

// GET /requested-tasks/
func (s *Server) handleListRequested(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.RequestedFilter{
		ScheduleName: r.URL.Query().Get("schedule_name"),
		Worker:       r.URL.Query().Get("worker"),
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return
		}
		filter.Priority = &p
	}

	items, err := s.store.ListRequested(r.Context(), filter, skip, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	count, err := s.store.CountRequested(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []*zimfarm.RequestedTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"meta":  listMeta{Skip: skip, Limit: limit, Count: count},
	})
}

// GET /requested-tasks/worker — the worker poll. Records the check-in
// (last_seen, advertised resources, offliners) and returns the matching
// queue slice, best candidate first.
func (s *Server) handleWorkerRequested(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workerName := q.Get("worker_name")
	if workerName == "" {
		writeError(w, http.StatusBadRequest, "worker_name is required")
		return
	}
	avail, err := resourcesFromQuery(q.Get("avail_cpu"), q.Get("avail_memory"), q.Get("avail_disk"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var offliners []string
	if v := q.Get("offliners"); v != "" {
		offliners = strings.Split(v, ",")
	}

	claims := claimsFrom(r.Context())
	err = s.store.UpsertWorker(r.Context(), zimfarm.Worker{
		Name:      workerName,
		Username:  claims.Username,
		LastSeen:  s.now().UTC(),
		Resources: avail,
		Offliners: offliners,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	_, limit, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.sched.Upcoming(r.Context(), workerName, avail, offliners, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []*zimfarm.RequestedTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func resourcesFromQuery(cpu, memory, disk string) (zimfarm.Resources, error) {
	var res zimfarm.Resources
	c, err := strconv.Atoi(cpu)
	if err != nil {
		return res, errors.New("avail_cpu must be an integer")
	}
	m, err := strconv.ParseInt(memory, 10, 64)
	if err != nil {
		return res, errors.New("avail_memory must be an integer")
	}
	d, err := strconv.ParseInt(disk, 10, 64)
	if err != nil {
		return res, errors.New("avail_disk must be an integer")
	}
	return zimfarm.Resources{CPU: c, Memory: m, Disk: d}, nil
}

// GET /requested-tasks/{id}
func (s *Server) handleGetRequested(w http.ResponseWriter, r *http.Request) {
	rt, err := s.store.GetRequested(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// DELETE /requested-tasks/{id}
func (s *Server) handleDeleteRequested(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRequested(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PATCH /requested-tasks/{id} — priority change. 202 when the stored
// value changed, 200 when it was already there.
func (s *Server) handlePatchRequested(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Priority == nil {
		writeError(w, http.StatusBadRequest, "priority is required")
		return
	}
	if *body.Priority < zimfarm.MinPriority || *body.Priority > zimfarm.MaxPriority {
		writeError(w, http.StatusBadRequest, "priority out of range")
		return
	}

	changed, err := s.store.UpdateRequestedPriority(r.Context(), r.PathValue("id"), *body.Priority)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{"priority": *body.Priority})
}
