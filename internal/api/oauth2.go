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
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"zimfarm/internal/auth"
	"zimfarm/internal/store"
	"zimfarm/pkg/zimfarm"
)

type oauth2Body struct {
	GrantType string `json:"grant_type"`

	// password grant
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// refresh_token grant
	RefreshToken string `json:"refresh_token,omitempty"`

	// ssh_key grant: the signed challenge message plus its base64 signature
	Message   string `json:"message,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

// POST /auth/oauth2 — password, refresh_token and ssh_key grants.
func (s *Server) handleOAuth2(w http.ResponseWriter, r *http.Request) {
	var body oauth2Body
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	var (
		user *zimfarm.User
		err  error
	)
	switch body.GrantType {
	case "password":
		user, err = s.passwordGrant(r, body)
	case "refresh_token":
		user, err = s.refreshGrant(r, body)
	case "ssh_key":
		user, err = s.sshKeyGrant(r, body)
	default:
		writeError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredChallenge) {
			writeError(w, http.StatusUnauthorized, "challenge expired")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := s.issuer.Issue(user)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	refresh := uuid.NewString()
	if err := s.store.SaveRefreshToken(r.Context(), refresh, user.Username, s.now().Add(auth.RefreshTokenTTL)); err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  token,
		TokenType:    "bearer",
		ExpiresAt:    expires.UTC(),
		RefreshToken: refresh,
	})
}

func (s *Server) passwordGrant(r *http.Request, body oauth2Body) (*zimfarm.User, error) {
	if body.Username == "" || body.Password == "" {
		return nil, auth.ErrInvalidCredentials
	}
	user, err := s.store.GetUserByUsername(r.Context(), body.Username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.VerifyPassword(body.Password, user.PasswordHash); err != nil {
		return nil, auth.ErrInvalidCredentials
	}
	return user, nil
}

func (s *Server) refreshGrant(r *http.Request, body oauth2Body) (*zimfarm.User, error) {
	if body.RefreshToken == "" {
		return nil, auth.ErrInvalidCredentials
	}
	username, err := s.store.ConsumeRefreshToken(r.Context(), body.RefreshToken, s.now())
	if err != nil {
		return nil, auth.ErrInvalidCredentials
	}
	return s.store.GetUserByUsername(r.Context(), username)
}

func (s *Server) sshKeyGrant(r *http.Request, body oauth2Body) (*zimfarm.User, error) {
	if body.Message == "" || body.Signature == "" {
		return nil, auth.ErrInvalidCredentials
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		return nil, auth.ErrInvalidCredentials
	}

	// the message names the user; look their keys up before verifying
	username, _, found := strings.Cut(body.Message, ":")
	if !found || username == "" {
		return nil, auth.ErrInvalidCredentials
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if _, err := auth.VerifyChallenge(body.Message, sig, user.SSHKeys, s.now()); err != nil {
		return nil, err
	}
	return user, nil
}
