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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"zimfarm/internal/auth"
	"zimfarm/internal/broadcast"
	"zimfarm/internal/scheduler"
	"zimfarm/internal/store"
	"zimfarm/pkg/zimfarm"
)

type testEnv struct {
	server *Server
	store  *store.Store
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.DiscardHandler)
	issuer, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := New(st, scheduler.New(st, log), broadcast.NewHub(log), issuer, log)

	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := zimfarm.User{Username: "admin", PasswordHash: hash, Role: "admin"}
	if err := st.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, err := issuer.Issue(&user)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	return &testEnv{server: srv, store: st, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) addSchedule(t *testing.T, name string) {
	t.Helper()
	err := e.store.UpsertSchedule(context.Background(), zimfarm.Schedule{
		Name:    name,
		Enabled: true,
		Config: zimfarm.ScheduleConfig{
			TaskName:      "mwoffliner",
			Image:         zimfarm.ImageRef{Name: "openzim/mwoffliner", Tag: "latest"},
			Flags:         map[string]interface{}{"mwUrl": "https://en.wikipedia.org"},
			Resources:     zimfarm.Resources{CPU: 2, Memory: 2 << 30, Disk: 10 << 30},
			WarehousePath: "/wikipedia",
		},
	})
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
}

func (e *testEnv) requestOne(t *testing.T, schedule string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/requested-tasks/", requestTasksBody{ScheduleNames: []string{schedule}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request task: status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Requested []string `json:"requested"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Requested) != 1 {
		t.Fatalf("bad response %s: %v", rec.Body, err)
	}
	return resp.Requested[0]
}

func (e *testEnv) patchEvent(t *testing.T, id string, code zimfarm.EventCode, payload string) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]interface{}{"event": code}
	if payload != "" {
		body["payload"] = json.RawMessage(payload)
	}
	return e.do(t, http.MethodPatch, "/tasks/"+id, body)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	e.token = ""
	rec := e.do(t, http.MethodGet, "/tasks/", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: status %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	e.token = ""
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}

func TestOAuth2PasswordGrant(t *testing.T) {
	e := newTestEnv(t)
	e.token = ""

	rec := e.do(t, http.MethodPost, "/auth/oauth2", oauth2Body{
		GrantType: "password", Username: "admin", Password: "s3cret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("password grant: status %d: %s", rec.Code, rec.Body)
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("empty tokens: %+v", resp)
	}

	// refresh grant works once
	rec = e.do(t, http.MethodPost, "/auth/oauth2", oauth2Body{
		GrantType: "refresh_token", RefreshToken: resp.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh grant: status %d: %s", rec.Code, rec.Body)
	}
	rec = e.do(t, http.MethodPost, "/auth/oauth2", oauth2Body{
		GrantType: "refresh_token", RefreshToken: resp.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: status %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/auth/oauth2", oauth2Body{
		GrantType: "password", Username: "admin", Password: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", rec.Code)
	}
}

func TestRequestedTaskLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.addSchedule(t, "wikipedia_en_all")

	id := e.requestOne(t, "wikipedia_en_all")

	rec := e.do(t, http.MethodGet, "/requested-tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get requested: status %d", rec.Code)
	}

	// duplicate request creates nothing
	rec = e.do(t, http.MethodPost, "/requested-tasks/", requestTasksBody{ScheduleNames: []string{"wikipedia_en_all"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate request: status %d", rec.Code)
	}
	var resp struct {
		Requested []string `json:"requested"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Requested) != 0 {
		t.Fatalf("duplicate created tasks: %s", rec.Body)
	}

	// priority patch: 202 on change, 200 on repeat
	p := 5
	rec = e.do(t, http.MethodPatch, "/requested-tasks/"+id, map[string]int{"priority": p})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("priority change: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodPatch, "/requested-tasks/"+id, map[string]int{"priority": p})
	if rec.Code != http.StatusOK {
		t.Fatalf("repeated priority: status %d", rec.Code)
	}

	rec = e.do(t, http.MethodDelete, "/requested-tasks/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, "/requested-tasks/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d", rec.Code)
	}
}

func TestRequestUnknownSchedule(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/requested-tasks/", requestTasksBody{ScheduleNames: []string{"ghost"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown schedule: status %d", rec.Code)
	}
}

func TestFullTaskScenario(t *testing.T) {
	e := newTestEnv(t)
	e.addSchedule(t, "wikipedia_fr_all")
	id := e.requestOne(t, "wikipedia_fr_all")

	// reserve
	rec := e.do(t, http.MethodPost, "/tasks/"+id+"?worker_name=node-a", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: status %d: %s", rec.Code, rec.Body)
	}
	var task zimfarm.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Worker != "node-a" || task.Status != zimfarm.StatusReserved {
		t.Fatalf("task = %+v", task)
	}

	// double reserve is locked out
	rec = e.do(t, http.MethodPost, "/tasks/"+id+"?worker_name=node-b", nil)
	if rec.Code != http.StatusLocked {
		t.Fatalf("double reserve: status %d", rec.Code)
	}

	// lifecycle events
	for _, code := range []zimfarm.EventCode{zimfarm.EventStarted, zimfarm.EventScraperStarted} {
		if rec := e.patchEvent(t, id, code, ""); rec.Code != http.StatusNoContent {
			t.Fatalf("event %s: status %d: %s", code, rec.Code, rec.Body)
		}
	}

	// file lifecycle
	if rec := e.patchEvent(t, id, zimfarm.EventCreatedFile, `{"file":{"name":"wiki_fr.zim","size":9000}}`); rec.Code != http.StatusNoContent {
		t.Fatalf("created_file: status %d: %s", rec.Code, rec.Body)
	}
	if rec := e.patchEvent(t, id, zimfarm.EventUploadedFile, `{"filename":"wiki_fr.zim"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("uploaded_file: status %d: %s", rec.Code, rec.Body)
	}

	// out-of-order event rejected
	if rec := e.patchEvent(t, id, zimfarm.EventSucceeded, ""); rec.Code != http.StatusConflict {
		t.Fatalf("premature succeeded: status %d", rec.Code)
	}

	if rec := e.patchEvent(t, id, zimfarm.EventScraperCompleted, `{"exit_code":0}`); rec.Code != http.StatusNoContent {
		t.Fatalf("scraper_completed: status %d", rec.Code)
	}
	if rec := e.patchEvent(t, id, zimfarm.EventSucceeded, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("succeeded: status %d", rec.Code)
	}

	// final state
	rec = e.do(t, http.MethodGet, "/tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get task: status %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != zimfarm.StatusSucceeded {
		t.Errorf("final status = %s", task.Status)
	}
	if task.Files["wiki_fr.zim"].Status != zimfarm.FileUploaded {
		t.Errorf("file status = %s", task.Files["wiki_fr.zim"].Status)
	}
}

func TestCancelScenario(t *testing.T) {
	e := newTestEnv(t)
	e.addSchedule(t, "ted_talks")
	id := e.requestOne(t, "ted_talks")

	rec := e.do(t, http.MethodPost, "/tasks/"+id+"?worker_name=node-a", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: status %d", rec.Code)
	}
	if rec := e.patchEvent(t, id, zimfarm.EventStarted, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("started: status %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: status %d: %s", rec.Code, rec.Body)
	}
	// cancel twice is fine
	rec = e.do(t, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second cancel: status %d", rec.Code)
	}

	if rec := e.patchEvent(t, id, zimfarm.EventCanceled, `{"canceled_by":"admin"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("canceled: status %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/tasks/"+id, nil)
	var task zimfarm.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != zimfarm.StatusCanceled {
		t.Errorf("status = %s", task.Status)
	}
}

func TestWorkerPoll(t *testing.T) {
	e := newTestEnv(t)
	e.addSchedule(t, "wikipedia_es_all")
	e.requestOne(t, "wikipedia_es_all")

	url := fmt.Sprintf("/requested-tasks/worker?worker_name=node-a&avail_cpu=4&avail_memory=%d&avail_disk=%d&offliners=mwoffliner",
		int64(8<<30), int64(100<<30))
	rec := e.do(t, http.MethodGet, url, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("worker poll: status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Items []*zimfarm.RequestedTask `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(resp.Items))
	}

	// check-in was recorded
	rec = e.do(t, http.MethodGet, "/workers/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list workers: status %d", rec.Code)
	}
	var workers struct {
		Items []*zimfarm.Worker `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if len(workers.Items) != 1 || workers.Items[0].Name != "node-a" {
		t.Fatalf("workers = %+v", workers.Items)
	}
	if time.Since(workers.Items[0].LastSeen) > time.Minute {
		t.Errorf("last_seen not recorded: %v", workers.Items[0].LastSeen)
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	e := newTestEnv(t)
	e.addSchedule(t, "filter_sched")
	id := e.requestOne(t, "filter_sched")
	if rec := e.do(t, http.MethodPost, "/tasks/"+id+"?worker_name=node-a", nil); rec.Code != http.StatusCreated {
		t.Fatalf("reserve: status %d", rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/tasks/?status=reserved", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var resp struct {
		Items []*zimfarm.Task `json:"items"`
		Meta  listMeta        `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Meta.Count != 1 {
		t.Fatalf("items=%d count=%d", len(resp.Items), resp.Meta.Count)
	}

	rec = e.do(t, http.MethodGet, "/tasks/?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: status %d", rec.Code)
	}
}

func TestPatchTaskValidation(t *testing.T) {
	e := newTestEnv(t)
	e.addSchedule(t, "val_sched")
	id := e.requestOne(t, "val_sched")
	if rec := e.do(t, http.MethodPost, "/tasks/"+id+"?worker_name=node-a", nil); rec.Code != http.StatusCreated {
		t.Fatalf("reserve: status %d", rec.Code)
	}

	if rec := e.patchEvent(t, id, "warp", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown event: status %d", rec.Code)
	}
	if rec := e.patchEvent(t, "no-such-task", zimfarm.EventStarted, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task: status %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPatch, "/tasks/"+id, map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing event: status %d", rec.Code)
	}
}

func TestListPaginationBounds(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		query string
		want  int
	}{
		{"limit=500", http.StatusBadRequest},
		{"limit=0", http.StatusBadRequest},
		{"limit=-3", http.StatusBadRequest},
		{"limit=many", http.StatusBadRequest},
		{"skip=-1", http.StatusBadRequest},
		{"skip=oops", http.StatusBadRequest},
		{"limit=200", http.StatusOK},
		{"limit=1&skip=0", http.StatusOK},
	}
	for _, tc := range cases {
		for _, path := range []string{"/tasks/?", "/requested-tasks/?"} {
			rec := e.do(t, http.MethodGet, path+tc.query, nil)
			if rec.Code != tc.want {
				t.Errorf("%s%s: status %d, want %d", path, tc.query, rec.Code, tc.want)
			}
		}
	}

	rec := e.do(t, http.MethodGet, "/requested-tasks/worker?worker_name=node-a&avail_cpu=4&avail_memory=1024&avail_disk=1024&limit=999", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("worker poll with oversized limit: status %d", rec.Code)
	}
}
