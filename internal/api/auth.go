package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/backend"
	"github.com/kalambet/crmgate/internal/errcode"
)

// Identity resolves the user behind a bearer token and their tenant.
type Identity interface {
	GetUser(ctx context.Context, token string) (*backend.User, error)
	TenantForUser(ctx context.Context, token, userID string) (string, error)
}

// Principal is the authenticated caller. TenantID is empty when the user
// belongs to no organization.
type Principal struct {
	UserID   string
	Email    string
	TenantID string
	Token    string
}

type principalKey struct{}

// PrincipalFrom returns the caller set by RequireUser.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireUser validates the bearer token against the identity provider and
// attaches the Principal to the request context.
func RequireUser(id Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, errcode.NotAuthenticated)
				return
			}
			token := auth.Normalize(header[len(prefix):])
			if token == "" {
				httpError(w, http.StatusUnauthorized, errcode.NotAuthenticated)
				return
			}

			user, err := id.GetUser(r.Context(), token)
			if err != nil {
				slog.Info("bearer rejected", "path", r.URL.Path, "error", err)
				httpError(w, http.StatusUnauthorized, errcode.NotAuthenticated)
				return
			}

			tenant, err := id.TenantForUser(r.Context(), token, user.ID)
			if err != nil && !errors.Is(err, backend.ErrNoTenant) {
				slog.Error("tenant lookup failed", "user", user.ID, "error", err)
				httpError(w, http.StatusInternalServerError, errcode.Internal)
				return
			}

			p := Principal{UserID: user.ID, Email: user.Email, TenantID: tenant, Token: token}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// principal returns the caller, writing 401 when the middleware did not run.
func principal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		httpError(w, http.StatusUnauthorized, errcode.NotAuthenticated)
	}
	return p, ok
}

// tenantPrincipal additionally requires an organization.
func tenantPrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := principal(w, r)
	if ok && p.TenantID == "" {
		httpError(w, http.StatusForbidden, errcode.ForbiddenOperation)
		return p, false
	}
	return p, ok
}
