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
	"net/http"
	"strings"

	"golang.org/x/crypto/ssh"

	"zimfarm/internal/auth"
	"zimfarm/pkg/zimfarm"
)

type createUserBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// POST /users/ — admin only.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var body createUserBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if body.Role == "" {
		body.Role = "worker"
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.store.CreateUser(r.Context(), zimfarm.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         body.Role,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": body.Username})
}

type addKeyBody struct {
	Key string `json:"key"`
}

// POST /users/{username}/keys — register an authorized public key for the
// ssh_key grant. Admins may add keys to any account, others only to their
// own.
func (s *Server) handleAddSSHKey(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	claims := claimsFrom(r.Context())
	if claims.Role != "admin" && claims.Username != username {
		writeError(w, http.StatusForbidden, "cannot add keys to another account")
		return
	}

	var body addKeyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		writeError(w, http.StatusBadRequest, "not a valid authorized key")
		return
	}

	if err := s.store.AddSSHKey(r.Context(), username, key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
