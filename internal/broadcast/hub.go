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

// Package broadcast fans task updates out to connected workers over
// websockets. Delivery is best effort: a failed or slow subscriber is
// dropped, never waited on, and broadcast errors are never surfaced to the
// mutation that triggered them.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one broadcast envelope.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Topics published by the dispatcher.
const (
	TopicRequestedTasks  = "requested-tasks"
	TopicCancelRequested = "cancel-requested"
	TopicTaskEvent       = "task-event"
)

const (
	writeWait      = 5 * time.Second
	sendBuffer     = 16
	maxMessageSize = 1 << 20
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks subscribers and distributes messages to them.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// workers connect from anywhere; auth happened before upgrade
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: map[*subscriber]struct{}{},
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection as a subscriber until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug("subscriber connected", "subscribers", n)

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// Publish sends msg to every subscriber. Subscribers whose buffer is full
// are dropped.
func (h *Hub) Publish(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("marshal broadcast", "topic", msg.Topic, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- raw:
		default:
			h.dropLocked(sub)
		}
	}
}

// PublishJSON marshals payload and publishes it under topic.
func (h *Hub) PublishJSON(topic string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("marshal broadcast payload", "topic", topic, "error", err)
		return
	}
	h.Publish(Message{Topic: topic, Payload: raw})
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.dropLocked(sub)
	}
}

func (h *Hub) dropLocked(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.send)
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer sub.conn.Close()
	for raw := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.drop(sub)
			return
		}
	}
	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}

// readLoop discards inbound frames; it exists to notice disconnects.
func (h *Hub) readLoop(sub *subscriber) {
	sub.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.drop(sub)
			return
		}
	}
}
