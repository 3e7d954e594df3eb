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

// Package client is the dispatcher API client used by the worker binaries.
// It authenticates with the SSH-key grant, caches the access token, retries
// transient failures with capped exponential backoff, and re-authenticates
// once on 401 before giving up.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"zimfarm/internal/auth"
	"zimfarm/pkg/zimfarm"
)

// Sentinel errors the worker flow branches on.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyReserved = errors.New("already reserved")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
)

const (
	requestTimeout = 30 * time.Second
	maxAttempts    = 3
)

// Client talks to one dispatcher on behalf of one user.
type Client struct {
	base     *url.URL
	username string
	signer   ssh.Signer
	http     *http.Client
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New builds a client for the dispatcher at baseURL, authenticating as
// username with the given SSH signer.
func New(baseURL, username string, signer ssh.Signer, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse dispatcher url: %w", err)
	}
	return &Client{
		base:     u,
		username: username,
		signer:   signer,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log,
		now:      time.Now,
	}, nil
}

// authenticate redeems a signed challenge for an access token.
func (c *Client) authenticate(ctx context.Context) error {
	message, sig, err := auth.SignChallenge(c.signer, c.username, c.now())
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{
		"grant_type": "ssh_key",
		"message":    message,
		"signature":  base64.StdEncoding.EncodeToString(sig),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/oauth2"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authenticate: %w (status %d)", ErrUnauthorized, resp.StatusCode)
	}

	var tok struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.expires = tok.ExpiresAt
	c.mu.Unlock()
	return nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	valid := token != "" && c.now().Before(c.expires.Add(-time.Minute))
	c.mu.Unlock()
	if valid {
		return token, nil
	}
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// transient marks errors worth retrying.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// do runs one authenticated request, retrying transient failures and
// re-authenticating once on 401.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	reauthed := false
	attempt := func() error {
		token, err := c.accessToken(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return transientError{err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return transientError{err}
			}
			if len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized && !reauthed:
			reauthed = true
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			return transientError{ErrUnauthorized}
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(ErrUnauthorized)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusLocked:
			return backoff.Permanent(ErrAlreadyReserved)
		case resp.StatusCode == http.StatusConflict:
			return backoff.Permanent(ErrConflict)
		case resp.StatusCode >= 500:
			return transientError{fmt.Errorf("dispatcher returned %d", resp.StatusCode)}
		default:
			return backoff.Permanent(fmt.Errorf("dispatcher returned %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	err := backoff.Retry(func() error {
		err := attempt()
		var tr transientError
		if errors.As(err, &tr) {
			c.log.Debug("dispatcher request retrying", "method", method, "path", path, "error", err)
			return err
		}
		return err
	}, policy)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*zimfarm.Task, error) {
	var task zimfarm.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// PatchEvent reports one task event to the dispatcher.
func (c *Client) PatchEvent(ctx context.Context, id string, code zimfarm.EventCode, payload interface{}) error {
	body := map[string]interface{}{"event": code}
	if payload != nil {
		body["payload"] = payload
	}
	return c.do(ctx, http.MethodPatch, "/tasks/"+id, body, nil)
}

// PollRequested asks for requested tasks matching the worker's offer and
// records the check-in server-side.
func (c *Client) PollRequested(ctx context.Context, workerName string, avail zimfarm.Resources, offliners []string) ([]*zimfarm.RequestedTask, error) {
	q := url.Values{}
	q.Set("worker_name", workerName)
	q.Set("avail_cpu", strconv.Itoa(avail.CPU))
	q.Set("avail_memory", strconv.FormatInt(avail.Memory, 10))
	q.Set("avail_disk", strconv.FormatInt(avail.Disk, 10))
	if len(offliners) > 0 {
		q.Set("offliners", strings.Join(offliners, ","))
	}

	var resp struct {
		Items []*zimfarm.RequestedTask `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/requested-tasks/worker?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ReserveTask promotes a requested task to this worker. ErrAlreadyReserved
// means another worker won the race.
func (c *Client) ReserveTask(ctx context.Context, id, workerName string) (*zimfarm.Task, error) {
	var task zimfarm.Task
	q := url.Values{"worker_name": []string{workerName}}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+id+"?"+q.Encode(), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
