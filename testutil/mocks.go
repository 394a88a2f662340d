package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// MockAuthServer is a test server that mocks the identity provider's
// profile endpoint.
type MockAuthServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockAuthServer creates a new mock identity provider.
func NewMockAuthServer(t *testing.T) *MockAuthServer {
	t.Helper()
	m := &MockAuthServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockProfile registers a /auth/profile handler that accepts exactly one
// bearer token and answers with the given profile; any other token gets 401.
func (m *MockAuthServer) MockProfile(token, userID, name, avatar string) {
	m.Handlers["/auth/profile"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // test mock response
			"id":   userID,
			"name": name,
			"avt":  avatar,
		})
	}
}

// MockSlowProfile registers a /auth/profile handler that sleeps before
// answering, for exercising caller-side timeouts.
func (m *MockAuthServer) MockSlowProfile(delay time.Duration) {
	m.Handlers["/auth/profile"] = func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "slow", "name": "Slow", "avt": ""}) //nolint:errcheck // test mock response
	}
}

// MockProfileError registers a /auth/profile handler that always fails with
// the given status.
func (m *MockAuthServer) MockProfileError(status int) {
	m.Handlers["/auth/profile"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}
