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

// Package api exposes the dispatcher HTTP surface: requested tasks, tasks,
// workers, authentication and the broadcast websocket.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"zimfarm/internal/auth"
	"zimfarm/internal/broadcast"
	"zimfarm/internal/metrics"
	"zimfarm/internal/scheduler"
	"zimfarm/internal/store"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	hub    *broadcast.Hub
	issuer *auth.TokenIssuer
	log    *slog.Logger
	now    func() time.Time
}

// New builds a Server around its collaborators.
func New(st *store.Store, sched *scheduler.Scheduler, hub *broadcast.Hub, issuer *auth.TokenIssuer, log *slog.Logger) *Server {
	return &Server{
		store:  st,
		sched:  sched,
		hub:    hub,
		issuer: issuer,
		log:    log,
		now:    time.Now,
	}
}

// Routes returns the dispatcher handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// open endpoints
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /auth/oauth2", s.handleOAuth2)

	// authenticated API
	mux.Handle("POST /requested-tasks/{$}", s.requireAuth(s.handleRequestTasks))
	mux.Handle("GET /requested-tasks/{$}", s.requireAuth(s.handleListRequested))
	mux.Handle("GET /requested-tasks/worker", s.requireAuth(s.handleWorkerRequested))
	mux.Handle("GET /requested-tasks/{id}", s.requireAuth(s.handleGetRequested))
	mux.Handle("DELETE /requested-tasks/{id}", s.requireAuth(s.handleDeleteRequested))
	mux.Handle("PATCH /requested-tasks/{id}", s.requireAuth(s.handlePatchRequested))

	mux.Handle("POST /tasks/{id}", s.requireAuth(s.handleReserveTask))
	mux.Handle("GET /tasks/{$}", s.requireAuth(s.handleListTasks))
	mux.Handle("GET /tasks/{id}", s.requireAuth(s.handleGetTask))
	mux.Handle("PATCH /tasks/{id}", s.requireAuth(s.handlePatchTask))
	mux.Handle("POST /tasks/{id}/cancel", s.requireAuth(s.handleCancelTask))

	mux.Handle("GET /workers/{$}", s.requireAuth(s.handleListWorkers))
	mux.Handle("POST /users/{$}", s.requireAuth(s.handleCreateUser))
	mux.Handle("POST /users/{username}/keys", s.requireAuth(s.handleAddSSHKey))
	mux.Handle("GET /broadcast", s.requireAuth(s.hub.ServeHTTP))

	return s.securityHeaders(s.logRequests(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// a failing store makes the process unhealthy, nothing else does
	if _, err := s.store.CountTasks(r.Context(), store.TaskFilter{}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
