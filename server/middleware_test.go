package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *authConfig
		setAuth    func(r *http.Request)
		wantStatus int
	}{
		{
			name:       "disabled passes through",
			cfg:        &authConfig{enabled: false},
			setAuth:    func(r *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name:       "basic auth valid",
			cfg:        &authConfig{adminUsername: "admin", adminPassword: "secret", enabled: true},
			setAuth:    func(r *http.Request) { r.SetBasicAuth("admin", "secret") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "basic auth wrong password",
			cfg:        &authConfig{adminUsername: "admin", adminPassword: "secret", enabled: true},
			setAuth:    func(r *http.Request) { r.SetBasicAuth("admin", "wrong") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token valid",
			cfg:        &authConfig{adminToken: "tok123", enabled: true},
			setAuth:    func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok123") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "token invalid",
			cfg:        &authConfig{adminToken: "tok123", enabled: true},
			setAuth:    func(r *http.Request) { r.Header.Set("X-Admin-Token", "nope") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no credentials",
			cfg:        &authConfig{adminUsername: "admin", adminPassword: "secret", enabled: true},
			setAuth:    func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := adminAuth(okHandler(), tt.cfg)
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			tt.setAuth(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute})

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("request over the limit was allowed")
	}
	// Other IPs have their own budget.
	if !limiter.allow("10.0.0.2") {
		t.Error("unrelated IP was limited")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 10; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})
	h := rateLimitMiddleware(okHandler(), limiter)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
		req.RemoteAddr = "192.168.1.5:54321"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if i < 2 && rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
		if i == 2 {
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("request 3: status = %d, want 429", rec.Code)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
		}
	}
}

func TestRateLimitMiddlewareUsesForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	h := rateLimitMiddleware(okHandler(), limiter)

	do := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
		req.RemoteAddr = "127.0.0.1:1000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := do("203.0.113.7, 10.0.0.1"); got != http.StatusOK {
		t.Fatalf("first request: %d", got)
	}
	if got := do("203.0.113.7"); got != http.StatusTooManyRequests {
		t.Errorf("same forwarded IP not limited: %d", got)
	}
	if got := do("203.0.113.8"); got != http.StatusOK {
		t.Errorf("different forwarded IP limited: %d", got)
	}
}

func TestRateLimitMiddlewareKeepsIPv6ClientsDistinct(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	h := rateLimitMiddleware(okHandler(), limiter)

	do := func(remoteAddr, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
		req.RemoteAddr = remoteAddr
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// Distinct v6 clients must not collapse into one bucket.
	if got := do("[2001:db8::1]:4000", ""); got != http.StatusOK {
		t.Fatalf("first v6 client: %d", got)
	}
	if got := do("[2001:db8::2]:4000", ""); got != http.StatusOK {
		t.Errorf("second v6 client shares the first one's bucket: %d", got)
	}
	if got := do("[2001:db8::1]:5000", ""); got != http.StatusTooManyRequests {
		t.Errorf("same v6 client on a new port not limited: %d", got)
	}

	// Bracketless v6 from a proxy header is used whole, not truncated.
	if got := do("127.0.0.1:1", "2001:db8::a"); got != http.StatusOK {
		t.Fatalf("first forwarded v6: %d", got)
	}
	if got := do("127.0.0.1:1", "2001:db8::b"); got != http.StatusOK {
		t.Errorf("distinct forwarded v6 limited: %d", got)
	}
	if got := do("127.0.0.1:1", "2001:db8::a"); got != http.StatusTooManyRequests {
		t.Errorf("repeat forwarded v6 not limited: %d", got)
	}
}

func TestCORSPermissiveMode(t *testing.T) {
	h := withCORSConfig(okHandler(), &corsConfig{permissive: true})
	req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestCORSRestrictedMode(t *testing.T) {
	cfg := &corsConfig{allowedOrigins: []string{"https://chat.example.com"}}

	for _, tt := range []struct {
		origin string
		want   string
	}{
		{"https://chat.example.com", "https://chat.example.com"},
		{"https://evil.example.com", ""},
	} {
		h := withCORSConfig(okHandler(), cfg)
		req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	h := withCORSConfig(inner, &corsConfig{permissive: true})

	req := httptest.NewRequest(http.MethodOptions, "/chat/history", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the inner handler")
	}
}

func TestParseInt(t *testing.T) {
	for _, tt := range []struct {
		in   string
		def  int
		want int
	}{
		{"42", 10, 42},
		{"abc", 10, 10},
		{"", 7, 7},
	} {
		if got := parseInt(tt.in, tt.def); got != tt.want {
			t.Errorf("parseInt(%q, %d) = %d, want %d", tt.in, tt.def, got, tt.want)
		}
	}
}

func TestRateLimiterCleanupDropsStaleVisitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 5, window: 10 * time.Millisecond})

	for i := 0; i < 4; i++ {
		limiter.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	limiter.mu.Lock()
	for _, v := range limiter.visitors {
		v.lastClean = time.Now().Add(-time.Minute)
	}
	limiter.mu.Unlock()

	limiter.cleanup()

	limiter.mu.Lock()
	remaining := len(limiter.visitors)
	limiter.mu.Unlock()
	if remaining != 0 {
		t.Errorf("cleanup left %d stale visitors", remaining)
	}
}
