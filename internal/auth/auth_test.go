package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kalambet/crmgate/internal/errcode"
)

func signToken(t *testing.T, ref string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Ref: ref,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

type fakeSessions struct {
	current   string
	currErr   error
	refreshed []string
	refreshes atomic.Int32
}

func (f *fakeSessions) Current(context.Context) (string, error) { return f.current, f.currErr }

func (f *fakeSessions) Refresh(context.Context) (string, error) {
	n := int(f.refreshes.Add(1))
	if n > len(f.refreshed) {
		return "", errors.New("refresh failed")
	}
	return f.refreshed[n-1], nil
}

type fakeValidator struct {
	valid map[string]bool
	calls atomic.Int32
}

func (f *fakeValidator) ValidateToken(_ context.Context, token string) error {
	f.calls.Add(1)
	if f.valid[token] {
		return nil
	}
	return errors.New("invalid JWT")
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Bearer abc.def.ghi ": "abc.def.ghi",
		"bearer 'abc.def.ghi'":  "abc.def.ghi",
		`"abc.def.ghi"`:         "abc.def.ghi",
		"":                      "",
		"Bearer ":               "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWellFormed(t *testing.T) {
	if !WellFormed("a.b.c") {
		t.Error("a.b.c should be well formed")
	}
	for _, s := range []string{"", "a.b", "a..c", "a.b.c.d", ".b.c", "a.b."} {
		if WellFormed(s) {
			t.Errorf("WellFormed(%q) = true", s)
		}
	}
}

func TestInspect(t *testing.T) {
	now := time.Now()

	in := Inspect(signToken(t, "abcd", now.Add(time.Hour)), "https://abcd.supabase.co", now)
	if in.Mismatch || in.Expired || !in.HasExp || in.PayloadRef != "abcd" {
		t.Errorf("valid token inspection = %+v", in)
	}

	in = Inspect(signToken(t, "other", now.Add(time.Hour)), "https://abcd.supabase.co", now)
	if !in.Mismatch {
		t.Errorf("expected mismatch, got %+v", in)
	}

	in = Inspect(signToken(t, "abcd", now.Add(-time.Second)), "https://abcd.supabase.co", now)
	if !in.Expired {
		t.Errorf("expected expired, got %+v", in)
	}

	// Issuer fallback when the payload has no ref claim.
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "https://zzzz.supabase.co/auth/v1"}}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	in = Inspect(tok, "https://abcd.supabase.co", now)
	if in.PayloadRef != "zzzz" || !in.Mismatch || in.HasExp {
		t.Errorf("issuer inspection = %+v", in)
	}

	// Undecodable payload is indeterminate.
	in = Inspect("aaa.%%%.ccc", "https://abcd.supabase.co", now)
	if in.Mismatch || in.Expired {
		t.Errorf("garbage payload should be indeterminate, got %+v", in)
	}
}

func TestResolve(t *testing.T) {
	good := signToken(t, "", time.Now().Add(time.Hour))
	fresh := signToken(t, "", time.Now().Add(2*time.Hour))

	t.Run("valid current token", func(t *testing.T) {
		s := &fakeSessions{current: "Bearer " + good}
		v := &fakeValidator{valid: map[string]bool{good: true}}
		tok, err := NewGuardian(s, v, "").Resolve(context.Background())
		if err != nil || tok != good {
			t.Fatalf("Resolve = %q, %v", tok, err)
		}
		if s.refreshes.Load() != 0 {
			t.Error("should not refresh a valid token")
		}
	})

	t.Run("missing token refreshes once", func(t *testing.T) {
		s := &fakeSessions{refreshed: []string{fresh}}
		tok, err := NewGuardian(s, nil, "").Resolve(context.Background())
		if err != nil || tok != fresh {
			t.Fatalf("Resolve = %q, %v", tok, err)
		}
	})

	t.Run("malformed and refresh fails", func(t *testing.T) {
		s := &fakeSessions{current: "not-a-jwt"}
		_, err := NewGuardian(s, nil, "").Resolve(context.Background())
		if errcode.Of(err) != errcode.AuthMissing {
			t.Fatalf("expected auth_missing, got %v", err)
		}
		if s.refreshes.Load() != 1 {
			t.Errorf("refreshes = %d, want 1", s.refreshes.Load())
		}
	})

	t.Run("rejected token refreshed and revalidated", func(t *testing.T) {
		s := &fakeSessions{current: good, refreshed: []string{fresh}}
		v := &fakeValidator{valid: map[string]bool{fresh: true}}
		tok, err := NewGuardian(s, v, "").Resolve(context.Background())
		if err != nil || tok != fresh {
			t.Fatalf("Resolve = %q, %v", tok, err)
		}
		if v.calls.Load() != 2 {
			t.Errorf("validator calls = %d, want 2", v.calls.Load())
		}
	})

	t.Run("refreshed token also rejected", func(t *testing.T) {
		s := &fakeSessions{current: good, refreshed: []string{fresh}}
		v := &fakeValidator{valid: map[string]bool{}}
		_, err := NewGuardian(s, v, "").Resolve(context.Background())
		if errcode.Of(err) != errcode.AuthInvalid {
			t.Fatalf("expected auth_invalid, got %v", err)
		}
	})
}

func TestDo_MalformedTokenNeverSent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	g := NewGuardian(&fakeSessions{}, nil, "")
	_, err := g.Do(context.Background(), "only.two", func(ctx context.Context, token string) (*http.Response, error) {
		return get(ctx, srv.URL, token)
	})
	if errcode.Of(err) != errcode.AuthInvalid {
		t.Fatalf("expected auth_invalid, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("malformed token reached the wire %d times", hits.Load())
	}
}

func TestDo_ExpiredAndMismatchRejectedLocally(t *testing.T) {
	var hits atomic.Int32
	call := func(context.Context, string) (*http.Response, error) {
		hits.Add(1)
		return nil, errors.New("unreachable")
	}
	g := NewGuardian(&fakeSessions{}, nil, "https://abcd.supabase.co")

	_, err := g.Do(context.Background(), signToken(t, "abcd", time.Now().Add(-time.Minute)), call)
	if errcode.Of(err) != errcode.AuthInvalid {
		t.Errorf("expired: got %v", err)
	}
	_, err = g.Do(context.Background(), signToken(t, "other", time.Now().Add(time.Hour)), call)
	if errcode.Of(err) != errcode.AuthProjectMismatch {
		t.Errorf("mismatch: got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("call invoked %d times", hits.Load())
	}
}

func TestDo_RetriesExactlyOnceOn401(t *testing.T) {
	first := signToken(t, "", time.Now().Add(time.Hour))
	second := signToken(t, "", time.Now().Add(2*time.Hour))

	var hits atomic.Int32
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		seen = append(seen, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"code":401,"message":"Invalid JWT"}`)
	}))
	defer srv.Close()

	retries := prometheus.NewCounter(prometheus.CounterOpts{Name: "retries_total"})

	s := &fakeSessions{refreshed: []string{second, second}}
	g := NewGuardian(s, nil, "").WithRetryCounter(retries)
	resp, err := g.Do(context.Background(), first, func(ctx context.Context, token string) (*http.Response, error) {
		return get(ctx, srv.URL, token)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 surfaced", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Invalid JWT") {
		t.Errorf("second 401 body should remain readable, got %q", body)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
	if s.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", s.refreshes.Load())
	}
	if len(seen) == 2 && (seen[0] != first || seen[1] != second) {
		t.Errorf("tokens sent = %v", seen)
	}
	var m dto.Metric
	if err := retries.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("retry counter = %v, want 1", got)
	}
}

func TestDo_RefreshFailureReturnsFirstResponse(t *testing.T) {
	tok := signToken(t, "", time.Now().Add(time.Hour))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"JWT expired"}`)
	}))
	defer srv.Close()

	retries := prometheus.NewCounter(prometheus.CounterOpts{Name: "retries_total"})
	g := NewGuardian(Static(tok), nil, "").WithRetryCounter(retries)
	resp, err := g.Do(context.Background(), tok, func(ctx context.Context, token string) (*http.Response, error) {
		return get(ctx, srv.URL, token)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), "JWT expired") {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
	var m dto.Metric
	if err := retries.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("retry counter = %v, want 1 for the refresh attempt", got)
	}
}

func TestDo_SuccessAfterRefresh(t *testing.T) {
	stale := signToken(t, "", time.Now().Add(time.Hour))
	fresh := signToken(t, "", time.Now().Add(2*time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	g := NewGuardian(&fakeSessions{refreshed: []string{fresh}}, nil, "")
	resp, err := g.Do(context.Background(), stale, func(ctx context.Context, token string) (*http.Response, error) {
		return get(ctx, srv.URL, token)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

type memStore struct {
	sess    Session
	cleared bool
}

func (m *memStore) Load() (Session, error) {
	if m.sess.AccessToken == "" && m.sess.RefreshToken == "" {
		return Session{}, ErrNoSession
	}
	return m.sess, nil
}
func (m *memStore) Save(s Session) error { m.sess = s; return nil }
func (m *memStore) Clear() error         { m.sess = Session{}; m.cleared = true; return nil }

type fakeRefresher struct{ next Session }

func (f fakeRefresher) RefreshSession(_ context.Context, rt string) (Session, error) {
	if rt != "rt-1" {
		return Session{}, errors.New("bad refresh token")
	}
	return f.next, nil
}

func TestStoredSession(t *testing.T) {
	store := &memStore{sess: Session{AccessToken: "old", RefreshToken: "rt-1"}}
	src := &StoredSession{Store: store, Refresher: fakeRefresher{next: Session{AccessToken: "new", RefreshToken: "rt-2"}}}

	tok, err := src.Refresh(context.Background())
	if err != nil || tok != "new" {
		t.Fatalf("Refresh = %q, %v", tok, err)
	}
	if store.sess.RefreshToken != "rt-2" {
		t.Errorf("refreshed session not saved: %+v", store.sess)
	}
	if err := src.Invalidate(); err != nil || !store.cleared {
		t.Errorf("Invalidate did not clear the store")
	}
	if _, err := src.Current(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Current after clear = %v, want ErrNoSession", err)
	}
}

func get(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}
