// Package server HTTP handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/session"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx       context.Context
	db        *sql.DB
	svc       *session.Service
	hub       *hub.Hub
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, svc *session.Service, h *hub.Hub) *Handlers {
	return &Handlers{
		ctx:       ctx,
		db:        db,
		svc:       svc,
		hub:       h,
		startedAt: time.Now().UTC(),
	}
}

// HandleChatHistory returns the current grouped conversation view as JSON —
// the same payload an UPDATE_CHAT event carries, for non-socket consumers.
func (h *Handlers) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := h.svc.BuildCurrentView(r.Context())
	if err != nil {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// HandleStatus reports uptime and coarse counts for dashboards.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var messageCount, userCount int
	// Counts are best-effort; a degraded DB still yields a status page.
	_ = h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM chat_messages`).Scan(&messageCount)
	_ = h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users`).Scan(&userCount)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":    int(time.Since(h.startedAt).Seconds()),
		"connected_clients": h.hub.ClientCount(),
		"message_count":     messageCount,
		"user_count":        userCount,
	})
}

// HandleAdminStats is the authenticated variant of /status with DB health.
func (h *Handlers) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dbHealthy := h.db.PingContext(r.Context()) == nil
	var messageCount, userCount int
	_ = h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM chat_messages`).Scan(&messageCount)
	_ = h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users`).Scan(&userCount)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":    int(time.Since(h.startedAt).Seconds()),
		"connected_clients": h.hub.ClientCount(),
		"message_count":     messageCount,
		"user_count":        userCount,
		"db_healthy":        dbHealthy,
	})
}
