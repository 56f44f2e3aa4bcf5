// Package xui talks to a 3x-ui proxy panel. Inbounds are addressed by remark,
// which equals the config type they serve.
package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fastraygram/internal/apperr"
	"fastraygram/internal/config"
	"fastraygram/pkg/logging"
)

type Client struct {
	BaseURL    string
	Username   string
	Password   string
	SessionTTL time.Duration
	HTTPClient *http.Client

	session *sessionCache
}

// NewClient builds a panel client. store may be nil.
func NewClient(cfg config.XuiConfig, store SessionStore) *Client {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		BaseURL:    cfg.URL(),
		Username:   cfg.Username,
		Password:   cfg.Password,
		SessionTTL: ttl,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		session: newSessionCache(store),
	}
}

// Login makes sure a live session cookie is cached and returns it.
func (c *Client) Login(ctx context.Context) (Session, error) {
	if sess, ok := c.session.valid(ctx); ok {
		logging.Debugf("Used stored panel session, expires at %s", sess.ExpiresAt.Format(time.RFC3339))
		return sess, nil
	}
	return c.session.refresh(ctx, func() (Session, error) {
		return c.login(ctx)
	})
}

func (c *Client) login(ctx context.Context) (Session, error) {
	body, err := json.Marshal(loginRequest{Username: c.Username, Password: c.Password})
	if err != nil {
		return Session{}, fmt.Errorf("failed to marshal login body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Session{}, apperr.Panel("", err, "failed to login")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Session{}, apperr.Panel(string(respBody), nil, "login failed with status %d", resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return Session{}, apperr.Panel(string(respBody), err, "failed to decode login response")
	}
	if !env.Success {
		return Session{}, apperr.Panel(string(respBody), nil, "login rejected: %s", env.Msg)
	}

	now := c.session.now()
	for _, ck := range resp.Cookies() {
		if ck.Name != SessionCookie {
			continue
		}
		sess := Session{Cookie: ck.Value}
		switch {
		case !ck.Expires.IsZero():
			sess.ExpiresAt = ck.Expires.UTC()
		case ck.MaxAge > 0:
			sess.ExpiresAt = now.Add(time.Duration(ck.MaxAge) * time.Second).UTC()
		default:
			sess.ExpiresAt = now.Add(c.SessionTTL).UTC()
		}
		logging.Debugf("Logged in to panel, session expires at %s", sess.ExpiresAt.Format(time.RFC3339))
		return sess, nil
	}
	return Session{}, apperr.Panel(string(respBody), nil, "login response carried no %s cookie", SessionCookie)
}

// doRequest performs an authenticated call and returns the envelope's obj.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) (json.RawMessage, error) {
	sess, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	url := fmt.Sprintf("%s%s", c.BaseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.Cookie})

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apperr.Panel("", err, "%s %s failed", method, endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.session.invalidate(ctx)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Panel(string(respBody), nil, "%s %s: status %d", method, endpoint, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, apperr.Panel(string(respBody), err, "%s %s: malformed response", method, endpoint)
	}
	if !env.Success {
		logging.Errorf("Panel rejected %s %s: %s", method, endpoint, respBody)
		return nil, apperr.Panel(string(respBody), nil, "%s %s: %s", method, endpoint, env.Msg)
	}
	return env.Obj, nil
}

// Ping checks that the panel answers its status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/panel/api/server/status", nil)
	return err
}
