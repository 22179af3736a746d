package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/crmgate/internal/errcode"
	"github.com/kalambet/crmgate/internal/logging"
)

// SessionSource yields the current access token and can exchange the
// session for a fresh one.
type SessionSource interface {
	Current(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Validator asks the identity provider whether a token is still accepted.
type Validator interface {
	ValidateToken(ctx context.Context, token string) error
}

// CallFunc performs one privileged request with the given bearer token.
type CallFunc func(ctx context.Context, token string) (*http.Response, error)

const bodyPreviewLimit = 4096

// Guardian resolves tokens and wraps privileged calls with a single
// refresh-and-retry on HTTP 401.
type Guardian struct {
	sessions   SessionSource
	validator  Validator
	backendURL string
	now        func() time.Time
	retries    prometheus.Counter
	logger     *slog.Logger
}

// NewGuardian creates a Guardian. validator may be nil, in which case tokens
// are not checked against the identity provider during Resolve.
func NewGuardian(sessions SessionSource, validator Validator, backendURL string) *Guardian {
	return &Guardian{
		sessions:   sessions,
		validator:  validator,
		backendURL: backendURL,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithRetryCounter counts on c every 401 that triggers a session refresh.
func (g *Guardian) WithRetryCounter(c prometheus.Counter) *Guardian {
	g.retries = c
	return g
}

// Resolve returns a usable access token, refreshing the session at most
// once.
func (g *Guardian) Resolve(ctx context.Context) (string, error) {
	current, err := g.sessions.Current(ctx)
	if err != nil {
		return "", errcode.Wrap(errcode.AuthMissing, err)
	}
	token := Normalize(current)

	if token == "" || !WellFormed(token) {
		if token != "" {
			g.logger.Warn("stored access token is malformed, refreshing session")
		}
		refreshed, err := g.refresh(ctx)
		if err != nil || !WellFormed(refreshed) {
			return "", errcode.Wrap(errcode.AuthMissing, errors.Join(err, errors.New("no usable session")))
		}
		return refreshed, nil
	}

	if g.validator == nil {
		return token, nil
	}
	verr := g.validator.ValidateToken(ctx, token)
	if verr == nil {
		return token, nil
	}
	g.logger.Warn("token validation failed, refreshing session", "error", logging.Preview(verr.Error(), 160))

	refreshed, err := g.refresh(ctx)
	if err != nil {
		return "", errcode.Wrap(errcode.AuthInvalid, err)
	}
	if err := g.validator.ValidateToken(ctx, refreshed); err != nil {
		return "", errcode.Wrap(errcode.AuthInvalid, err)
	}
	return refreshed, nil
}

// Check rejects tokens that must not be sent: empty, malformed, issued for
// another project or already expired. A payload that cannot be decoded is
// not an error.
func (g *Guardian) Check(token string) error {
	if token == "" {
		return errcode.New(errcode.AuthMissing)
	}
	if !WellFormed(token) {
		return errcode.New(errcode.AuthInvalid)
	}
	in := Inspect(token, g.backendURL, g.now())
	if in.Mismatch {
		g.logger.Error("token project mismatch", "expected", in.ExpectedRef, "payload", in.PayloadRef)
		return errcode.Wrap(errcode.AuthProjectMismatch, fmt.Errorf("token ref %q", in.PayloadRef))
	}
	if in.Expired {
		return errcode.Wrap(errcode.AuthInvalid, errors.New("token expired"))
	}
	return nil
}

// Do runs call with token, resolving one first when token is empty. When the
// call answers 401 the session is refreshed and call runs exactly once more;
// the second response is returned as is, whatever its status.
func (g *Guardian) Do(ctx context.Context, token string, call CallFunc) (*http.Response, error) {
	token = Normalize(token)
	if token == "" {
		resolved, err := g.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		token = resolved
	}
	if err := g.Check(token); err != nil {
		return nil, err
	}

	resp, err := call(ctx, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	first := drainPreview(resp)
	g.logger.Warn("privileged call returned 401, refreshing session",
		"path", requestPath(resp),
		"body", logging.Preview(string(first), 220),
	)

	if g.retries != nil {
		g.retries.Inc()
	}
	refreshed, rerr := g.refresh(ctx)
	if rerr != nil || g.Check(refreshed) != nil {
		return resp, nil
	}

	retried, err := call(ctx, refreshed)
	if err != nil {
		return nil, err
	}
	if retried.StatusCode == http.StatusUnauthorized {
		second := drainPreview(retried)
		g.logger.Warn("privileged call returned 401 after refresh",
			"path", requestPath(retried),
			"body", logging.Preview(string(second), 220),
		)
	}
	return retried, nil
}

func (g *Guardian) refresh(ctx context.Context) (string, error) {
	raw, err := g.sessions.Refresh(ctx)
	if err != nil {
		return "", err
	}
	token := Normalize(raw)
	if token == "" {
		return "", errors.New("refresh returned no token")
	}
	return token, nil
}

// drainPreview reads the body for logging and replaces it so the caller can
// still decode it.
func drainPreview(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

func requestPath(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.Path
}
