package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/chatview"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/identity"
)

// fakeStore is an in-memory Store with error injection.
type fakeStore struct {
	mu       sync.Mutex
	messages []db.MessageRecord
	users    map[string]db.UserProfile

	failAppend bool
	failList   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]db.UserProfile)}
}

func (f *fakeStore) AppendMessage(ctx context.Context, rec db.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return &db.PersistenceError{Op: "append message", Err: errors.New("disk on fire")}
	}
	f.messages = append(f.messages, rec)
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context) ([]db.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, &db.PersistenceError{Op: "list messages", Err: errors.New("connection refused")}
	}
	out := make([]db.MessageRecord, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, p db.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[p.ID]; !ok {
		f.users[p.ID] = p
	}
	return nil
}

func (f *fakeStore) ListUsers(ctx context.Context) (map[string]db.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]db.UserProfile, len(f.users))
	for k, v := range f.users {
		out[k] = v
	}
	return out, nil
}

// fakeResolver maps tokens to profiles; unknown tokens fail resolution.
type fakeResolver struct {
	byToken map[string]db.UserProfile
}

func (f *fakeResolver) Resolve(ctx context.Context, accessToken string) (db.UserProfile, error) {
	if p, ok := f.byToken[accessToken]; ok {
		return p, nil
	}
	return db.UserProfile{}, &identity.AuthResolutionError{Status: 401}
}

// fakeGateway records every delivery.
type fakeGateway struct {
	mu         sync.Mutex
	sends      []delivery
	broadcasts []delivery
}

type delivery struct {
	clientID string
	event    string
	payload  any
}

func (f *fakeGateway) Send(clientID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, delivery{clientID: clientID, event: event, payload: payload})
}

func (f *fakeGateway) Broadcast(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, delivery{event: event, payload: payload})
}

func newService(store *fakeStore, gw *fakeGateway, tokens map[string]db.UserProfile) *Service {
	return &Service{
		Store:       store,
		Identity:    &fakeResolver{byToken: tokens},
		Gateway:     gw,
		AuthTimeout: time.Second,
		DBTimeout:   time.Second,
	}
}

var alice = db.UserProfile{ID: "u1", DisplayName: "Alice"}
var bob = db.UserProfile{ID: "u2", DisplayName: "Bob"}

func TestOnClientConnectSendsViewToThatClientOnly(t *testing.T) {
	store := newFakeStore()
	store.users["u1"] = alice
	store.messages = []db.MessageRecord{{ID: "m1", SenderID: "u1", Text: "hi", Timestamp: time.Unix(1, 0)}}
	gw := &fakeGateway{}
	svc := newService(store, gw, nil)

	svc.OnClientConnect(context.Background(), "client-7")

	if len(gw.broadcasts) != 0 {
		t.Errorf("connect must not broadcast, got %d broadcasts", len(gw.broadcasts))
	}
	if len(gw.sends) != 1 {
		t.Fatalf("expected 1 targeted send, got %d", len(gw.sends))
	}
	d := gw.sends[0]
	if d.clientID != "client-7" || d.event != EventUpdateChat {
		t.Errorf("unexpected delivery: %+v", d)
	}
	view, ok := d.payload.([]chatview.Entry)
	if !ok {
		t.Fatalf("payload is %T, want []chatview.Entry", d.payload)
	}
	if len(view) != 1 || view[0].From.ID != "u1" || view[0].Messages[0].Message != "hi" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestOnClientConnectStorageFailureSendsNothing(t *testing.T) {
	store := newFakeStore()
	store.failList = true
	gw := &fakeGateway{}
	svc := newService(store, gw, nil)

	svc.OnClientConnect(context.Background(), "client-7")

	if len(gw.sends) != 0 || len(gw.broadcasts) != 0 {
		t.Errorf("expected silence on load failure, got sends=%d broadcasts=%d",
			len(gw.sends), len(gw.broadcasts))
	}
}

func TestOnSendMessageSuccess(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	svc := newService(store, gw, map[string]db.UserProfile{"tok-a": alice})

	if err := svc.OnSendMessage(context.Background(), "tok-a", "hello world"); err != nil {
		t.Fatalf("OnSendMessage error: %v", err)
	}

	if len(store.messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(store.messages))
	}
	rec := store.messages[0]
	if rec.Text != "hello world" || rec.SenderID != "u1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(rec.ID) {
		t.Errorf("message id %q is not a 32-char hex string", rec.ID)
	}
	if _, ok := store.users["u1"]; !ok {
		t.Errorf("sender profile was not upserted")
	}
	if len(gw.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(gw.broadcasts))
	}
	if gw.broadcasts[0].event != EventUpdateChat {
		t.Errorf("broadcast event = %q", gw.broadcasts[0].event)
	}
	view := gw.broadcasts[0].payload.([]chatview.Entry)
	if len(view) != 1 || view[0].Messages[0].Message != "hello world" {
		t.Errorf("broadcast view missing the new message: %+v", view)
	}
}

func TestOnSendMessageEmptyTextAccepted(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	svc := newService(store, gw, map[string]db.UserProfile{"tok-a": alice})

	if err := svc.OnSendMessage(context.Background(), "tok-a", ""); err != nil {
		t.Fatalf("empty message should be accepted, got %v", err)
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected empty message persisted")
	}
}

func TestOnSendMessageAuthFailure(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	svc := newService(store, gw, map[string]db.UserProfile{"tok-a": alice})

	err := svc.OnSendMessage(context.Background(), "bad-token", "hi")
	var authErr *identity.AuthResolutionError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthResolutionError, got %v", err)
	}
	if len(store.messages) != 0 {
		t.Errorf("no record must be written on auth failure")
	}
	if len(store.users) != 0 {
		t.Errorf("no profile must be upserted on auth failure")
	}
	if len(gw.broadcasts) != 0 {
		t.Errorf("no broadcast must occur on auth failure")
	}
}

func TestOnSendMessagePersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.failAppend = true
	gw := &fakeGateway{}
	svc := newService(store, gw, map[string]db.UserProfile{"tok-a": alice})

	err := svc.OnSendMessage(context.Background(), "tok-a", "hi")
	var perr *db.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if len(gw.broadcasts) != 0 {
		t.Errorf("no broadcast must occur on write failure")
	}
}

func TestOnSendMessageConcurrentSendersConverge(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	svc := newService(store, gw, map[string]db.UserProfile{"tok-a": alice, "tok-b": bob})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		tok := "tok-a"
		if i == 1 {
			tok = "tok-b"
		}
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			if err := svc.OnSendMessage(context.Background(), tok, "from "+tok); err != nil {
				t.Errorf("send %s failed: %v", tok, err)
			}
		}(tok)
	}
	wg.Wait()

	// Individual broadcasts may have been stale; the durable state and a
	// fresh rebuild must contain both senders.
	if len(store.messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(store.messages))
	}
	view, err := svc.BuildCurrentView(context.Background())
	if err != nil {
		t.Fatalf("BuildCurrentView error: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range view {
		seen[e.From.ID] = true
	}
	if !seen["u1"] || !seen["u2"] {
		t.Errorf("converged view missing a sender: %+v", view)
	}
}

func TestOnClientDisconnectIsNoop(t *testing.T) {
	svc := newService(newFakeStore(), &fakeGateway{}, nil)
	svc.OnClientDisconnect(context.Background(), "client-1")
}

func TestMessageIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newMessageID()
		if seen[id] {
			t.Fatalf("duplicate id %s after %d generations", id, i)
		}
		seen[id] = true
	}
}
