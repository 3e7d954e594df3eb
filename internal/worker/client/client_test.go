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

package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"zimfarm/pkg/zimfarm"
)

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

// fakeDispatcher serves the oauth2 endpoint plus whatever handler the test
// installs for API paths.
func fakeDispatcher(t *testing.T, api http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"token_type":   "bearer",
			"expires_at":   time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/", api)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(srv.URL, "worker1", testSigner(t), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGetTask(t *testing.T) {
	srv := fakeDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(zimfarm.Task{ID: "abc", Status: zimfarm.StatusReserved})
	})
	c := newTestClient(t, srv)

	task, err := c.GetTask(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ID != "abc" || task.Status != zimfarm.StatusReserved {
		t.Errorf("task = %+v", task)
	}
}

func TestSentinelMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusLocked, ErrAlreadyReserved},
		{http.StatusConflict, ErrConflict},
	}
	for _, tc := range cases {
		srv := fakeDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		c := newTestClient(t, srv)
		_, err := c.GetTask(context.Background(), "abc")
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := fakeDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(zimfarm.Task{ID: "abc"})
	})
	c := newTestClient(t, srv)

	if _, err := c.GetTask(context.Background(), "abc"); err != nil {
		t.Fatalf("get task: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestReauthOn401(t *testing.T) {
	var calls atomic.Int32
	srv := fakeDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv)

	err := c.PatchEvent(context.Background(), "abc", zimfarm.EventStarted, nil)
	if err != nil {
		t.Fatalf("patch event: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want re-auth then success", calls.Load())
	}
}

func TestPollRequested(t *testing.T) {
	srv := fakeDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("worker_name") != "node-a" || q.Get("avail_cpu") != "4" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []zimfarm.RequestedTask{{ID: "rt1"}},
		})
	})
	c := newTestClient(t, srv)

	items, err := c.PollRequested(context.Background(), "node-a",
		zimfarm.Resources{CPU: 4, Memory: 8 << 30, Disk: 100 << 30}, []string{"mwoffliner"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 1 || items[0].ID != "rt1" {
		t.Errorf("items = %+v", items)
	}
}
