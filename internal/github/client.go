// Package github creates pull requests and issues from alerts and
// dispatches CI workflows, talking to the GitHub REST API directly.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultBaseURL = "https://api.github.com"
	httpTimeout    = 15 * time.Second

	// Installation tokens live for an hour; refresh with margin.
	tokenRefreshMargin = 5 * time.Minute
)

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("github: api returned %d: %s", e.StatusCode, e.Body)
}

// Client is a minimal GitHub REST client scoped to one repository.
// It authenticates with either a static token or GitHub App credentials;
// App auth exchanges a short-lived JWT for an installation token.
type Client struct {
	owner   string
	repo    string
	baseURL string
	hc      *http.Client

	token string

	appID          int64
	installationID int64
	privateKeyPEM  []byte

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (used in tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithToken authenticates with a static personal access token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithAppAuth authenticates as a GitHub App installation.
func WithAppAuth(appID, installationID int64, privateKeyPEM []byte) Option {
	return func(c *Client) {
		c.appID = appID
		c.installationID = installationID
		c.privateKeyPEM = privateKeyPEM
	}
}

// NewClient creates a client for the given repository.
func NewClient(owner, repo string, opts ...Option) *Client {
	c := &Client{
		owner:   owner,
		repo:    repo,
		baseURL: defaultBaseURL,
		hc:      &http.Client{Timeout: httpTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// authToken returns the token to use for the next request, minting an
// installation token when App credentials are configured.
func (c *Client) authToken(ctx context.Context) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	if c.appID == 0 {
		return "", fmt.Errorf("github: no credentials configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken != "" && time.Until(c.tokenExpiry) > tokenRefreshMargin {
		return c.cachedToken, nil
	}

	tok, exp, err := c.mintInstallationToken(ctx)
	if err != nil {
		return "", err
	}
	c.cachedToken, c.tokenExpiry = tok, exp
	return tok, nil
}

func (c *Client) mintInstallationToken(ctx context.Context) (string, time.Time, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.privateKeyPEM)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: parsing private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", c.appID),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: signing jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("github: decode token response: %w", err)
	}
	return out.Token, out.ExpiresAt, nil
}

// repoPath builds a repository-scoped API path.
func (c *Client) repoPath(suffix string) string {
	return "/repos/" + c.owner + "/" + c.repo + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: marshal payload: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("github: decode response: %w", err)
		}
	}
	return nil
}
