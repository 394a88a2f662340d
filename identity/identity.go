// Package identity contains a minimal client for the remote identity provider,
// which turns an opaque access token into a user profile.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/chat-relay/db"
)

// AuthResolutionError reports a token that could not be resolved to a profile:
// the provider rejected it, was unreachable, or returned garbage. Status is
// the HTTP status when one was received, 0 otherwise.
type AuthResolutionError struct {
	Status int
	Err    error
}

func (e *AuthResolutionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth resolution failed: provider returned %d", e.Status)
	}
	return fmt.Sprintf("auth resolution failed: %v", e.Err)
}

func (e *AuthResolutionError) Unwrap() error { return e.Err }

// Client resolves access tokens against the provider's profile endpoint.
type Client struct {
	ProfileURL string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Resolve exchanges an access token for the profile it belongs to.
// Any failure mode comes back as *AuthResolutionError.
func (c *Client) Resolve(ctx context.Context, accessToken string) (db.UserProfile, error) {
	if c.ProfileURL == "" {
		return db.UserProfile{}, &AuthResolutionError{Err: fmt.Errorf("profile URL not configured")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ProfileURL, nil)
	if err != nil {
		return db.UserProfile{}, &AuthResolutionError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return db.UserProfile{}, &AuthResolutionError{Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return db.UserProfile{}, &AuthResolutionError{Status: resp.StatusCode}
	}
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Avt  string `json:"avt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return db.UserProfile{}, &AuthResolutionError{Err: fmt.Errorf("decode profile: %w", err)}
	}
	if body.ID == "" {
		return db.UserProfile{}, &AuthResolutionError{Err: fmt.Errorf("provider returned profile without id")}
	}
	return db.UserProfile{ID: body.ID, DisplayName: body.Name, AvatarURL: body.Avt}, nil
}
