package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/storage"
)

// Client talks to a running crmgate server. Every call goes through the
// Guardian so a 401 triggers one refresh and retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	guardian   *auth.Guardian
}

// NewClient returns a Client for baseURL. The http.Client has no timeout:
// chat responses are streamed and bounded by the caller's context.
func NewClient(baseURL string, guardian *auth.Guardian) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		guardian:   guardian,
	}
}

func (c *Client) request(method, path string, body any) auth.CallFunc {
	return func(ctx context.Context, token string) (*http.Response, error) {
		var r io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshalling request: %w", err)
			}
			r = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("server not reachable, is crmgate running? (%w)", err)
		}
		return resp, nil
	}
}

type chatRequest struct {
	Messages       []Turn `json:"messages"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Chat posts the history to /v1/chat. The response body is the raw
// event stream and is owned by the caller.
func (c *Client) Chat(ctx context.Context, token string, history []Turn, conversationID string) (*http.Response, error) {
	return c.guardian.Do(ctx, token, c.request(http.MethodPost, "/v1/chat", chatRequest{
		Messages:       history,
		ConversationID: conversationID,
	}))
}

// Execute posts a statement to /v1/execute. Failures are reported as a
// code on the response, never as an error.
func (c *Client) Execute(ctx context.Context, token, statement string) ExecResponse {
	resp, err := c.guardian.Do(ctx, token, c.request(http.MethodPost, "/v1/execute", map[string]string{"query": statement}))
	if err != nil {
		code := errcode.Of(err)
		if !errcode.IsAuth(string(code)) {
			code = errcode.Internal
		}
		return ExecResponse{Code: string(code)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ExecResponse{Code: string(errcode.AuthInvalid)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := responseCode(resp.Body)
		if code == "" {
			code = string(errcode.Internal)
		}
		return ExecResponse{Code: code}
	}

	var out ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecResponse{Code: string(errcode.Internal)}
	}
	if !out.Success && out.Code == "" {
		out.Code = string(errcode.Internal)
	}
	if out.Success && out.Data == nil {
		return ExecResponse{Code: string(errcode.Internal)}
	}
	return out
}

// CreateConversation implements Store.
func (c *Client) CreateConversation(ctx context.Context, title string) (string, error) {
	var conv storage.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", map[string]string{"title": title}, &conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// UpdateTitle implements Store.
func (c *Client) UpdateTitle(ctx context.Context, conversationID, title string) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/conversations/"+url.PathEscape(conversationID), map[string]string{"title": title}, nil)
}

// AppendMessage implements Store.
func (c *Client) AppendMessage(ctx context.Context, conversationID, role, content string, hidden bool) error {
	body := map[string]any{"role": role, "content": content, "hidden": hidden}
	return c.doJSON(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", body, nil)
}

// ListConversations returns the caller's recent conversations.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]storage.Conversation, error) {
	var out []storage.Conversation
	path := fmt.Sprintf("/v1/conversations?limit=%d", limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns a conversation's visible messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error) {
	var out []storage.Message
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.guardian.Do(ctx, "", c.request(method, path, body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := responseCode(resp.Body)
		if code == "" {
			code = resp.Status
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return errcode.Wrap(errcode.AuthInvalid, fmt.Errorf("%s %s: %s", method, path, code))
		}
		return fmt.Errorf("%s %s: %s", method, path, code)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// GuardedTokens resolves tokens through a Guardian and clears the local
// session store on Invalidate.
type GuardedTokens struct {
	Guardian *auth.Guardian
	Store    auth.SessionStore
}

func (t GuardedTokens) Resolve(ctx context.Context) (string, error) { return t.Guardian.Resolve(ctx) }
func (t GuardedTokens) Invalidate() error                           { return t.Store.Clear() }
