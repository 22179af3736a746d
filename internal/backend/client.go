// Package backend talks to the hosted CRM backend: its identity provider,
// its REST surface and its RPC procedures.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/crmgate/internal/auth"
)

const defaultTimeout = 30 * time.Second

// ErrNoTenant is returned when the user has no organization membership.
var ErrNoTenant = errors.New("user has no organization")

// Client is an HTTP client for one backend project.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. serviceKey may be empty; service calls then fail.
func New(baseURL, anonKey, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
}

// BaseURL returns the project URL.
func (c *Client) BaseURL() string { return c.baseURL }

// User is the identity behind an access token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// GetUser looks up the user that owns token.
func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req, token)

	var user User
	if err := c.do(req, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Message: "user not found"}
	}
	return &user, nil
}

// ValidateToken implements auth.Validator.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	_, err := c.GetUser(ctx, token)
	return err
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}

func (t tokenResponse) session() auth.Session {
	s := auth.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		UserID:       t.User.ID,
		Email:        t.User.Email,
	}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		s.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return s
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (auth.Session, error) {
	return c.grant(ctx, "password", map[string]string{"email": email, "password": password})
}

// RefreshSession implements auth.Refresher.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (auth.Session, error) {
	return c.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

func (c *Client) grant(ctx context.Context, grantType string, body any) (auth.Session, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/token?grant_type="+url.QueryEscape(grantType), body)
	if err != nil {
		return auth.Session{}, err
	}
	req.Header.Set("apikey", c.anonKey)

	var tr tokenResponse
	if err := c.do(req, &tr); err != nil {
		return auth.Session{}, err
	}
	if tr.AccessToken == "" {
		return auth.Session{}, errors.New("token response without access_token")
	}
	return tr.session(), nil
}

// TenantForUser returns the organization the user belongs to, reading
// user_roles with the user's own token.
func (c *Client) TenantForUser(ctx context.Context, token, userID string) (string, error) {
	q := url.Values{}
	q.Set("select", "organization_id")
	q.Set("user_id", "eq."+userID)
	q.Set("limit", "1")

	req, err := c.newRequest(ctx, http.MethodGet, "/rest/v1/user_roles?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req, token)

	var rows []struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := c.do(req, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].OrganizationID == "" {
		return "", ErrNoTenant
	}
	return rows[0].OrganizationID, nil
}

// RPC posts args to a database procedure on behalf of token and returns the
// raw response. The caller owns the body. It has the shape of auth.CallFunc
// once fn and args are bound.
func (c *Client) RPC(ctx context.Context, token, fn string, args any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), args)
	if err != nil {
		return nil, err
	}
	c.setAuth(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling rpc %s: %w", fn, err)
	}
	return resp, nil
}

// ServiceRPC calls fn with the service key and decodes the result into out.
func (c *Client) ServiceRPC(ctx context.Context, fn string, args, out any) error {
	if c.serviceKey == "" {
		return errors.New("service key not configured")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), args)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) setAuth(req *http.Request, token string) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := ReadError(resp)
		c.logger.Debug("backend call failed", "path", req.URL.Path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}
