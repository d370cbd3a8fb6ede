package apiclient

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rmedina/waflow/pkg/ratelimit"
	"github.com/rmedina/waflow/pkg/session"
)

// LoginResponse carries the issued bearer token.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login authenticates and stores the token on the client.
func (c *Client) Login(username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	err := c.post("/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	c.SetToken(resp.AccessToken)
	return &resp, nil
}

// Health checks the engine's store connectivity.
func (c *Client) Health() error {
	return c.get("/health/ready", nil)
}

// Flows lists the registered flow names.
func (c *Client) Flows() ([]string, error) {
	var resp struct {
		Flows []string `json:"flows"`
	}
	if err := c.get("/api/v1/flows", &resp); err != nil {
		return nil, err
	}
	return resp.Flows, nil
}

// GetSession fetches the live session for an identity.
func (c *Client) GetSession(identity string) (*session.Session, error) {
	var sess session.Session
	if err := c.get("/api/v1/sessions/"+url.PathEscape(identity), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ResetSession forces a session back to INICIO.
func (c *Client) ResetSession(identity string) error {
	return c.post(fmt.Sprintf("/api/v1/sessions/%s/reset", url.PathEscape(identity)), nil, nil)
}

// RateLimitStatus fetches an identity's current rate-limit standing.
func (c *Client) RateLimitStatus(identity string) (*ratelimit.Status, error) {
	var status ratelimit.Status
	if err := c.get("/api/v1/ratelimit/"+url.PathEscape(identity), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListDeadLetters fetches parked payloads, optionally filtered by status.
func (c *Client) ListDeadLetters(status string, limit int) ([]session.DeadLetter, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/v1/deadletters"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		DeadLetters []session.DeadLetter `json:"dead_letters"`
	}
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// RetryDeadLetter replays a parked payload.
func (c *Client) RetryDeadLetter(id string) error {
	return c.post("/api/v1/deadletters/"+url.PathEscape(id)+"/retry", nil, nil)
}

// DeleteDeadLetter discards a parked payload.
func (c *Client) DeleteDeadLetter(id string) error {
	return c.delete("/api/v1/deadletters/"+url.PathEscape(id), nil)
}
