package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/backend"
	"github.com/kalambet/crmgate/internal/config"
	"github.com/kalambet/crmgate/internal/logging"
)

// apiClient calls the running server with the signed-in user's session.
// A 401 triggers one session refresh through the guardian.
type apiClient struct {
	baseURL    string
	guardian   *auth.Guardian
	httpClient *http.Client
}

// signedIn is the local session plumbing shared by client commands.
type signedIn struct {
	cfg      config.Config
	backend  *backend.Client
	sessions *config.SessionFile
	guardian *auth.Guardian
}

func newSignedIn() (*signedIn, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)

	b := backend.New(cfg.Backend.URL, cfg.Backend.AnonKey, cfg.Backend.ServiceKey)
	sessions := config.NewSessionFile()
	return &signedIn{
		cfg:      cfg,
		backend:  b,
		sessions: sessions,
		guardian: auth.NewGuardian(&auth.StoredSession{Store: sessions, Refresher: b}, b, cfg.Backend.URL),
	}, nil
}

var newAPIClient = func() (*apiClient, error) {
	s, err := newSignedIn()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL:    s.cfg.Server.URL,
		guardian:   s.guardian,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
	}

	return c.guardian.Do(ctx, "", func(ctx context.Context, token string) (*http.Response, error) {
		var bodyReader io.Reader
		if data != nil {
			bodyReader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("server not reachable, is crmgate running? (%w)", err)
		}
		return resp, nil
	})
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
