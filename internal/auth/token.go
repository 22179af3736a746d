// Package auth resolves and checks the bearer credential used for every
// privileged backend call.
package auth

import (
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of an access token payload the gateway inspects.
// Tokens are decoded without signature verification; the backend verifies.
type Claims struct {
	Ref   string `json:"ref,omitempty"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var (
	hostRefRe   = regexp.MustCompile(`(?i)^https://([a-z0-9-]+)\.supabase\.co`)
	issuerRefRe = regexp.MustCompile(`(?i)^https://([a-z0-9-]+)\.supabase\.co/auth/v1`)
)

// Normalize strips a "Bearer " prefix and surrounding quotes.
func Normalize(raw string) string {
	t := strings.TrimSpace(raw)
	if len(t) >= 7 && strings.EqualFold(t[:7], "bearer ") {
		t = strings.TrimSpace(t[7:])
	}
	if len(t) >= 2 && ((t[0] == '"' && t[len(t)-1] == '"') || (t[0] == '\'' && t[len(t)-1] == '\'')) {
		t = strings.TrimSpace(t[1 : len(t)-1])
	}
	return t
}

// WellFormed reports whether token has three non-empty dot-separated
// segments.
func WellFormed(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Decode parses the token payload without verifying the signature.
func Decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ProjectRef extracts the project reference from a hosted backend URL. It
// returns "" for self-hosted URLs.
func ProjectRef(backendURL string) string {
	if m := hostRefRe.FindStringSubmatch(backendURL); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// Inspection describes what could be learned from a token payload. A payload
// that fails to decode leaves every field zero.
type Inspection struct {
	ExpectedRef string
	PayloadRef  string
	Mismatch    bool
	HasExp      bool
	Expired     bool
}

// Inspect compares the token against the configured backend at now.
func Inspect(token, backendURL string, now time.Time) Inspection {
	in := Inspection{ExpectedRef: ProjectRef(backendURL)}

	claims, err := Decode(token)
	if err != nil {
		return in
	}

	switch {
	case claims.Ref != "":
		in.PayloadRef = strings.ToLower(claims.Ref)
	default:
		if m := issuerRefRe.FindStringSubmatch(claims.Issuer); m != nil {
			in.PayloadRef = strings.ToLower(m[1])
		}
	}
	in.Mismatch = in.ExpectedRef != "" && in.PayloadRef != "" && in.ExpectedRef != in.PayloadRef

	if claims.ExpiresAt != nil {
		in.HasExp = true
		in.Expired = !claims.ExpiresAt.Time.After(now)
	}
	return in
}
