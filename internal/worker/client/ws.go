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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"zimfarm/internal/broadcast"
)

// Subscribe connects to the dispatcher broadcast endpoint and delivers
// messages on the returned channel until ctx is canceled or the connection
// drops. The channel is closed on exit.
func (c *Client) Subscribe(ctx context.Context) (<-chan broadcast.Message, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	wsURL := c.endpoint("/broadcast")
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	out := make(chan broadcast.Message, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg broadcast.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.log.Debug("bad broadcast message", "error", err)
				continue
			}
			select {
			case out <- msg:
			default:
				// drop rather than stall the read loop
			}
		}
	}()
	return out, nil
}
