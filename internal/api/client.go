// Package api is the client for the messaging backend's REST surface. It is
// a stateless request/response layer: all caching and reconciliation happen
// above it.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Terminal reports whether retrying cannot help (authn/authz failures).
func (e *APIError) Terminal() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsAuthError reports whether err is a terminal authorization failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Terminal()
}

// Client talks to the messaging backend with a bearer token.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	self   Identity
	logger *zap.Logger
}

// New creates a backend client. The self identity is derived from the token's
// claims without verifying the signature; the backend is the verifier.
func New(baseURL, token string, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	ident, err := ParseIdentity(token)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		token:  token,
		self:   ident,
		logger: logger,
	}, nil
}

// UserID returns the authenticated user's id.
func (c *Client) UserID() string { return c.self.UserID }

// Identity returns the token-derived identity of the local user.
func (c *Client) Identity() Identity { return c.self }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody)
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
