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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"zimfarm/pkg/zimfarm"
)

// CreateUser inserts a user; the username must be unique.
func (s *Store) CreateUser(ctx context.Context, u zimfarm.User) error {
	const ins = `INSERT INTO users(username, password_hash, role, ssh_keys) VALUES(?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, u.Username, u.PasswordHash, u.Role, strings.Join(u.SSHKeys, "\n"))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername retrieves a user, including password hash and keys.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*zimfarm.User, error) {
	const q = `SELECT username, password_hash, role, ssh_keys FROM users WHERE username=?`
	var (
		u    zimfarm.User
		keys string
	)
	err := s.db.QueryRowContext(ctx, q, username).Scan(&u.Username, &u.PasswordHash, &u.Role, &keys)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if keys != "" {
		u.SSHKeys = strings.Split(keys, "\n")
	}
	return &u, nil
}

// AddSSHKey appends an authorized public key to a user.
func (s *Store) AddSSHKey(ctx context.Context, username, key string) error {
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	keys := append(u.SSHKeys, strings.TrimSpace(key))
	_, err = s.db.ExecContext(ctx, `UPDATE users SET ssh_keys=? WHERE username=?`,
		strings.Join(keys, "\n"), username)
	if err != nil {
		return fmt.Errorf("add ssh key: %w", err)
	}
	return nil
}

// SaveRefreshToken stores a refresh token for a user.
func (s *Store) SaveRefreshToken(ctx context.Context, token, username string, expires time.Time) error {
	const ins = `INSERT INTO refresh_tokens(token, username, expires_at) VALUES(?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, token, username, expires.UTC()); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken returns the owning username of a live refresh token
// and deletes it (single use). ErrNotFound covers unknown and expired.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	var username string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT username FROM refresh_tokens WHERE token=? AND expires_at > ?`,
			token, now.UTC()).Scan(&username)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read refresh token: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token=?`, token); err != nil {
			return fmt.Errorf("delete refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return username, nil
}
