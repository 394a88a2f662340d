package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/session"
	"github.com/onnwee/chat-relay/telemetry"
)

// Origin checks are handled by CORS config; the historical server accepted
// all origins and browser clients connect from arbitrary hosts in dev.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and runs the client's session until it
// disconnects: register, push the initial view, then pump frames.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err), slog.String("component", "ws"))
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, h.hub, conn)
	h.hub.Register(client)
	go client.WritePump()

	// Session operations outlive the request context; use the server base
	// context with this connection's correlation id.
	ctx := telemetry.WithCorrelation(h.ctx, telemetry.GetCorrelation(r.Context()))
	h.svc.OnClientConnect(ctx, clientID)

	client.ReadPump(func(c *hub.Client, data []byte) {
		h.handleFrame(c, data)
	})
	h.svc.OnClientDisconnect(ctx, clientID)
}

// handleFrame dispatches one inbound envelope. Malformed frames and unknown
// events are logged and dropped; they never tear down the connection.
func (h *Handlers) handleFrame(c *hub.Client, data []byte) {
	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("malformed frame dropped", slog.String("client_id", c.ID), slog.Any("err", err), slog.String("component", "ws"))
		return
	}
	switch env.Event {
	case session.EventSendMessage:
		var payload struct {
			AccessToken string `json:"accessToken"`
			Message     string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			slog.Warn("malformed SEND_MESSAGE payload dropped", slog.String("client_id", c.ID), slog.Any("err", err), slog.String("component", "ws"))
			return
		}
		ctx := telemetry.WithCorrelation(h.ctx, uuid.New().String())
		// Failures are logged inside the service; the sender gets no direct
		// error frame, matching the historical protocol.
		_ = h.svc.OnSendMessage(ctx, payload.AccessToken, payload.Message)
	default:
		slog.Warn("unknown event ignored", slog.String("event", env.Event), slog.String("client_id", c.ID), slog.String("component", "ws"))
	}
}
