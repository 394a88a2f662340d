// Package session orchestrates the chat flow: it resolves access tokens,
// persists messages, rebuilds the conversation view, and pushes UPDATE_CHAT
// events through the gateway.
//
// The service holds no mutable state of its own; every operation re-derives
// the view from a full storage read. Concurrent sends may interleave so that
// one broadcast misses a write that landed between its read and its send —
// the next broadcast self-corrects, and no in-process state can be corrupted.
package session

import (
	"context"
	"crypto/md5" //nolint:gosec // id formatting only, not an integrity or security property
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/chatview"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/telemetry"
)

// Event names on the wire, shared with the historical clients.
const (
	EventUpdateChat  = "UPDATE_CHAT"
	EventSendMessage = "SEND_MESSAGE"
)

// Gateway is the transport boundary: deliver an event to one client or to all
// connected clients. Implementations must be safe for concurrent use.
type Gateway interface {
	Send(clientID, event string, payload any)
	Broadcast(event string, payload any)
}

// Store is the durable log and user directory (implemented by db.Store).
type Store interface {
	AppendMessage(ctx context.Context, rec db.MessageRecord) error
	ListMessages(ctx context.Context) ([]db.MessageRecord, error)
	UpsertUser(ctx context.Context, p db.UserProfile) error
	ListUsers(ctx context.Context) (map[string]db.UserProfile, error)
}

// Resolver exchanges an access token for a profile (implemented by identity.Client).
type Resolver interface {
	Resolve(ctx context.Context, accessToken string) (db.UserProfile, error)
}

// Service wires the collaborators together. All fields must be set; the
// timeouts fall back to 5s when zero.
type Service struct {
	Store       Store
	Identity    Resolver
	Gateway     Gateway
	AuthTimeout time.Duration
	DBTimeout   time.Duration
}

func (s *Service) authCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, orDefault(s.AuthTimeout))
}

func (s *Service) dbCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, orDefault(s.DBTimeout))
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// OnClientConnect sends the current conversation view to the newly connected
// client only. A storage failure is logged and the client simply receives no
// initial view; the connection itself stays up.
func (s *Service) OnClientConnect(ctx context.Context, clientID string) {
	log := telemetry.LoggerWithCorr(ctx)
	view, err := s.buildCurrentView(ctx)
	if err != nil {
		log.Error("initial view load failed, client receives no history",
			slog.String("client_id", clientID),
			slog.Any("err", err),
			slog.String("component", "session"))
		return
	}
	s.Gateway.Send(clientID, EventUpdateChat, view)
	log.Info("client connected", slog.String("client_id", clientID), slog.String("component", "session"))
}

// OnClientDisconnect has no per-client state to clean up.
func (s *Service) OnClientDisconnect(ctx context.Context, clientID string) {
	telemetry.LoggerWithCorr(ctx).Info("client disconnected",
		slog.String("client_id", clientID), slog.String("component", "session"))
}

// OnSendMessage handles a SEND_MESSAGE event: resolve the token, persist the
// message, rebuild the view, and broadcast it to every connected client.
//
// On *identity.AuthResolutionError or *db.PersistenceError the operation
// aborts with nothing written (or, after a successful append, nothing
// broadcast until the next send) and the error is returned for the caller to
// log; no retry is attempted.
func (s *Service) OnSendMessage(ctx context.Context, accessToken, text string) error {
	log := telemetry.LoggerWithCorr(ctx)
	start := time.Now()
	defer func() {
		if telemetry.SendDuration != nil {
			telemetry.SendDuration.Observe(time.Since(start).Seconds())
		}
	}()

	actx, cancelAuth := s.authCtx(ctx)
	profile, err := s.Identity.Resolve(actx, accessToken)
	cancelAuth()
	if err != nil {
		if telemetry.SendsFailedAuth != nil {
			telemetry.SendsFailedAuth.Inc()
		}
		log.Warn("send rejected: token resolution failed", slog.Any("err", err), slog.String("component", "session"))
		return err
	}

	rec := db.MessageRecord{
		ID:        newMessageID(),
		Text:      text,
		Timestamp: time.Now().UTC(),
		SenderID:  profile.ID,
	}

	dctx, cancelDB := s.dbCtx(ctx)
	err = s.Store.UpsertUser(dctx, profile)
	if err == nil {
		err = s.Store.AppendMessage(dctx, rec)
	}
	cancelDB()
	if err != nil {
		if telemetry.SendsFailedStore != nil {
			telemetry.SendsFailedStore.Inc()
		}
		log.Error("send aborted: storage failure", slog.Any("err", err), slog.String("component", "session"))
		return err
	}

	view, err := s.buildCurrentView(ctx)
	if err != nil {
		// The message is durable; only this broadcast cycle is lost. The next
		// successful send re-derives a view that includes it.
		log.Error("view rebuild after append failed, skipping broadcast", slog.Any("err", err), slog.String("component", "session"))
		return err
	}
	s.Gateway.Broadcast(EventUpdateChat, view)
	if telemetry.MessagesRelayed != nil {
		telemetry.MessagesRelayed.Inc()
	}
	if telemetry.Broadcasts != nil {
		telemetry.Broadcasts.Inc()
	}
	log.Debug("message relayed",
		slog.String("message_id", rec.ID),
		slog.String("sender_id", rec.SenderID),
		slog.String("component", "session"))
	return nil
}

// BuildCurrentView reads the full log and directory and derives the grouped
// view. Shared by the connect/send paths and the read-only history endpoint.
func (s *Service) BuildCurrentView(ctx context.Context) ([]chatview.Entry, error) {
	return s.buildCurrentView(ctx)
}

func (s *Service) buildCurrentView(ctx context.Context) (view []chatview.Entry, err error) {
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	records, err := s.Store.ListMessages(dctx)
	if err != nil {
		return nil, err
	}
	users, err := s.Store.ListUsers(dctx)
	if err != nil {
		return nil, err
	}
	telemetry.TimeFunc(telemetry.RebuildDuration, func() {
		view = chatview.Build(records, func(id string) (db.UserProfile, bool) {
			p, ok := users[id]
			if !ok && telemetry.ViewGapsSkipped != nil {
				telemetry.ViewGapsSkipped.Inc()
			}
			return p, ok
		})
	})
	return view, nil
}

// newMessageID produces the historical message id format: a random UUID
// hashed to an md5 hex string. The hash is a formatting step, not a security
// property; any collision-resistant scheme would do.
func newMessageID() string {
	sum := md5.Sum([]byte(uuid.New().String())) //nolint:gosec // see above
	return hex.EncodeToString(sum[:])
}
