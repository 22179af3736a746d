package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNoSession is returned when no stored session exists.
var ErrNoSession = errors.New("no session")

// Session is a signed-in user's token pair.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	UserID       string    `json:"user_id,omitempty"`
	Email        string    `json:"email,omitempty"`
}

// SessionStore persists a Session locally.
type SessionStore interface {
	Load() (Session, error)
	Save(Session) error
	Clear() error
}

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (Session, error)
}

// StoredSession is a SessionSource backed by a local store.
type StoredSession struct {
	Store     SessionStore
	Refresher Refresher
}

func (s *StoredSession) Current(ctx context.Context) (string, error) {
	sess, err := s.Store.Load()
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

func (s *StoredSession) Refresh(ctx context.Context) (string, error) {
	sess, err := s.Store.Load()
	if err != nil {
		return "", err
	}
	if sess.RefreshToken == "" {
		return "", ErrNoSession
	}
	next, err := s.Refresher.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := s.Store.Save(next); err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

// Invalidate discards the stored session.
func (s *StoredSession) Invalidate() error {
	return s.Store.Clear()
}

// Static is a SessionSource for a token received from a caller. It cannot be
// refreshed.
type Static string

func (s Static) Current(context.Context) (string, error) { return string(s), nil }

func (s Static) Refresh(context.Context) (string, error) {
	return "", errors.New("static token cannot be refreshed")
}
