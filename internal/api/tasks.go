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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"zimfarm/internal/broadcast"
	"zimfarm/internal/metrics"
	"zimfarm/internal/store"
	"zimfarm/pkg/zimfarm"
)

// POST /tasks/{id}?worker_name= — reserve a requested task. The promote
// is atomic; losing the race yields 423 so the worker moves on.
func (s *Server) handleReserveTask(w http.ResponseWriter, r *http.Request) {
	workerName := r.URL.Query().Get("worker_name")
	if workerName == "" {
		writeError(w, http.StatusBadRequest, "worker_name is required")
		return
	}

	task, err := s.store.Promote(r.Context(), r.PathValue("id"), workerName, s.now())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyReserved) {
			metrics.IncReservation("race_lost")
		}
		writeStoreError(w, err)
		return
	}
	metrics.IncReservation("reserved")
	s.hub.PublishJSON(broadcast.TopicTaskEvent, map[string]interface{}{
		"task_id": task.ID,
		"code":    zimfarm.EventReserved,
		"worker":  workerName,
	})
	writeJSON(w, http.StatusCreated, task)
}

// GET /tasks/
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.TaskFilter{ScheduleName: r.URL.Query().Get("schedule_name")}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			st := zimfarm.Status(raw)
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+raw)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	items, err := s.store.ListTasks(r.Context(), filter, skip, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	count, err := s.store.CountTasks(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []*zimfarm.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"meta":  listMeta{Skip: skip, Limit: limit, Count: count},
	})
}

// GET /tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type taskEventBody struct {
	Event   zimfarm.EventCode `json:"event"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Debug   json.RawMessage   `json:"debug,omitempty"`
}

// PATCH /tasks/{id} — worker event report. The server stamps the time and
// validates the transition; duplicates of the recorded status are absorbed.
func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var body taskEventBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	id := r.PathValue("id")
	if _, err := s.store.AppendEvent(r.Context(), id, body.Event, body.Payload, s.now()); err != nil {
		writeStoreError(w, err)
		return
	}
	if len(body.Debug) > 0 {
		if err := s.store.SetDebug(r.Context(), id, body.Debug); err != nil {
			s.log.Warn("store task debug", "task", id, "error", err)
		}
	}
	metrics.IncTaskEvent(body.Event.String())
	s.hub.PublishJSON(broadcast.TopicTaskEvent, map[string]interface{}{
		"task_id": id,
		"code":    body.Event,
	})
	w.WriteHeader(http.StatusNoContent)
}

// POST /tasks/{id}/cancel — record cancel_requested and tell the fleet.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	claims := claimsFrom(r.Context())
	payload, _ := json.Marshal(map[string]string{"canceled_by": claims.Username})

	if _, err := s.store.AppendEvent(r.Context(), id, zimfarm.EventCancelRequested, payload, s.now()); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.IncTaskEvent(zimfarm.EventCancelRequested.String())
	s.hub.PublishJSON(broadcast.TopicCancelRequested, map[string]string{
		"task_id":     id,
		"canceled_by": claims.Username,
	})
	w.WriteHeader(http.StatusNoContent)
}

// GET /workers/
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []*zimfarm.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": workers})
}
