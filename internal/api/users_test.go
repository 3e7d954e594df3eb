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
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func authorizedKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

func TestCreateUserAndAddKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/users/", createUserBody{
		Username: "node-a", Password: "hunter2", Role: "worker",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: status %d: %s", rec.Code, rec.Body)
	}

	// duplicate username conflicts
	rec = env.do(t, http.MethodPost, "/users/", createUserBody{
		Username: "node-a", Password: "hunter2",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate user: status %d", rec.Code)
	}

	key := authorizedKey(t)
	rec = env.do(t, http.MethodPost, "/users/node-a/keys", addKeyBody{Key: key})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add key: status %d: %s", rec.Code, rec.Body)
	}

	u, err := env.store.GetUserByUsername(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if len(u.SSHKeys) != 1 || u.SSHKeys[0] != key {
		t.Errorf("ssh keys = %v", u.SSHKeys)
	}
}

func TestAddKeyRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/users/admin/keys", addKeyBody{Key: "not a key"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("garbage key: status %d", rec.Code)
	}
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/users/", createUserBody{
		Username: "node-b", Password: "pw", Role: "worker",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create worker account: status %d", rec.Code)
	}

	// authenticate as the worker and try to create another account
	rec = env.do(t, http.MethodPost, "/auth/oauth2", map[string]string{
		"grant_type": "password", "username": "node-b", "password": "pw",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("worker login: status %d: %s", rec.Code, rec.Body)
	}
	workerEnv := &testEnv{server: env.server, store: env.store}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("bad token response: %s", rec.Body)
	}
	workerEnv.token = tok.AccessToken

	rec = workerEnv.do(t, http.MethodPost, "/users/", createUserBody{
		Username: "node-c", Password: "pw",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin create user: status %d", rec.Code)
	}
}
