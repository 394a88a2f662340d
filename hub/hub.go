// Package hub holds the WebSocket connection registry and implements the
// send/broadcast gateway used by the session service.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-relay/telemetry"
)

// Envelope is the JSON frame exchanged with clients in both directions:
// {"event": "...", "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub tracks connected clients and fans events out to them. Registration is
// synchronous so a Send issued right after Register always finds the client;
// deliveries go through per-client buffered channels so a slow client never
// blocks the others.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	broadcast chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		broadcast: make(chan []byte, 256),
	}
}

// Run fans broadcasts out to all registered clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case data := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				client.enqueue(data)
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// Register adds a client to the registry. The client is visible to Send and
// Broadcast as soon as Register returns.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	n := len(h.clients)
	h.mu.Unlock()
	telemetry.SetConnectedClients(n)
	slog.Debug("client registered", slog.String("client_id", client.ID), slog.String("component", "hub"))
}

// Unregister removes a client and closes its send channel. Safe to call more
// than once for the same client.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	telemetry.SetConnectedClients(n)
	slog.Debug("client unregistered", slog.String("client_id", client.ID), slog.String("component", "hub"))
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send delivers an event to a single client. Unknown client ids are ignored
// (the client may have disconnected between lookup and delivery).
//
// The enqueue happens under the read lock, same as the broadcast fan-out in
// Run: Unregister closes the send channel under the write lock, so a client
// found in the map cannot have its channel closed before enqueue returns.
func (h *Hub) Send(clientID, event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	client, found := h.clients[clientID]
	if found {
		client.enqueue(data)
	}
	h.mu.RUnlock()
	if !found {
		slog.Debug("send to unknown client dropped", slog.String("client_id", clientID), slog.String("component", "hub"))
	}
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.broadcast <- data
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode event payload", slog.String("event", event), slog.Any("err", err), slog.String("component", "hub"))
		return nil, false
	}
	data, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		slog.Error("failed to encode event envelope", slog.String("event", event), slog.Any("err", err), slog.String("component", "hub"))
		return nil, false
	}
	return data, true
}
