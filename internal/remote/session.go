package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// refreshThreshold makes the token source refresh slightly before expiry.
const refreshThreshold = 10 * time.Second

// Session is one signed-in account. It is created on sign-in and invalidated
// on sign-out or when the remote rejects the credential.
type Session struct {
	mu      sync.RWMutex
	token   *oauth2.Token
	email   string
	subject string
	valid   bool
}

// NewSession wraps token. When the token response carried an OpenID id_token
// the account email and subject are read from its claims. The id_token
// signature is not checked here; it only labels the session.
func NewSession(token *oauth2.Token) (*Session, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("new session: %w", ErrAuthExpired)
	}
	s := &Session{token: token, valid: true}

	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, fmt.Errorf("parse id_token: %w", err)
		}
		if email, ok := claims["email"].(string); ok {
			s.email = email
		}
		if sub, err := claims.GetSubject(); err == nil {
			s.subject = sub
		}
	}
	return s, nil
}

// Valid reports whether the session can still be used. An expired access
// token without a refresh token counts as invalid.
func (s *Session) Valid() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid || s.token == nil {
		return false
	}
	return s.token.Valid() || s.token.RefreshToken != ""
}

// Token returns the current token, or nil once invalidated.
func (s *Session) Token() *oauth2.Token {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return nil
	}
	return s.token
}

// Email is the account email from the id_token, if any.
func (s *Session) Email() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.email
}

// Subject is the stable account id from the id_token, if any.
func (s *Session) Subject() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// Invalidate drops the credential. Further Valid calls return false.
func (s *Session) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
	s.token = nil
}

// TokenSource returns a refreshing source for cfg. Refreshed tokens are
// stored back into the session.
func (s *Session) TokenSource(ctx context.Context, cfg *oauth2.Config) oauth2.TokenSource {
	tok := s.Token()
	if tok == nil {
		return failingSource{}
	}
	base := oauth2.ReuseTokenSourceWithExpiry(tok, cfg.TokenSource(ctx, tok), refreshThreshold)
	return &sessionSource{session: s, base: base}
}

type sessionSource struct {
	session *Session
	base    oauth2.TokenSource
}

func (ss *sessionSource) Token() (*oauth2.Token, error) {
	if !ss.session.Valid() {
		return nil, ErrAuthExpired
	}
	tok, err := ss.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	ss.session.mu.Lock()
	if ss.session.valid {
		// refresh responses usually omit the id_token
		if prev := ss.session.token; prev != nil && tok.Extra("id_token") == nil {
			if raw, ok := prev.Extra("id_token").(string); ok {
				tok = tok.WithExtra(map[string]any{"id_token": raw})
			}
		}
		ss.session.token = tok
	}
	ss.session.mu.Unlock()
	return tok, nil
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) {
	return nil, ErrAuthExpired
}

// tokenFile is the on-disk sign-in. oauth2.Token drops its extra fields
// when marshalled, so the id_token is kept beside it.
type tokenFile struct {
	*oauth2.Token
	IDToken string `json:"id_token,omitempty"`
}

// LoadToken reads a token saved by SaveToken. A saved id_token is attached
// as the token's "id_token" extra so NewSession can read its claims. Plain
// token files without one load as they are.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := tokenFile{Token: new(oauth2.Token)}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	if f.IDToken == "" {
		return f.Token, nil
	}
	return f.Token.WithExtra(map[string]any{"id_token": f.IDToken}), nil
}

// SaveToken writes tok and its id_token, if any, as JSON readable only by
// the owner.
func SaveToken(path string, tok *oauth2.Token) error {
	f := tokenFile{Token: tok}
	if raw, ok := tok.Extra("id_token").(string); ok {
		f.IDToken = raw
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
