package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func idToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestNewSession_ReadsIDTokenClaims(t *testing.T) {
	tok := (&oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}).
		WithExtra(map[string]any{"id_token": idToken(t, jwt.MapClaims{"email": "surveyor@example.org", "sub": "1234"})})

	s, err := NewSession(tok)
	require.NoError(t, err)
	assert.True(t, s.Valid())
	assert.Equal(t, "surveyor@example.org", s.Email())
	assert.Equal(t, "1234", s.Subject())
	assert.Equal(t, "access", s.Token().AccessToken)
}

func TestNewSession_Rejects(t *testing.T) {
	_, err := NewSession(nil)
	assert.ErrorIs(t, err, ErrAuthExpired)

	_, err = NewSession(&oauth2.Token{})
	assert.ErrorIs(t, err, ErrAuthExpired)

	bad := (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]any{"id_token": "not.a.jwt"})
	_, err = NewSession(bad)
	assert.Error(t, err)
}

func TestSession_ValidityRules(t *testing.T) {
	expired := &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}
	s, err := NewSession(expired)
	require.NoError(t, err)
	assert.False(t, s.Valid(), "expired without refresh token")

	refreshable := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	s, err = NewSession(refreshable)
	require.NoError(t, err)
	assert.True(t, s.Valid())

	s.Invalidate()
	assert.False(t, s.Valid())
	assert.Nil(t, s.Token())

	var nilSession *Session
	assert.False(t, nilSession.Valid())
	assert.Empty(t, nilSession.Email())
}

func TestSession_TokenSourceAfterInvalidate(t *testing.T) {
	s, err := NewSession(&oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	ts := s.TokenSource(context.Background(), &oauth2.Config{})
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	s.Invalidate()
	_, err = ts.Token()
	assert.ErrorIs(t, err, ErrAuthExpired)

	_, err = s.TokenSource(context.Background(), &oauth2.Config{}).Token()
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	in := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, SaveToken(path, in))

	out, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.True(t, in.Expiry.Equal(out.Expiry))
}

func TestTokenFile_KeepsIDToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	in := (&oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}).
		WithExtra(map[string]any{"id_token": idToken(t, jwt.MapClaims{"email": "surveyor@example.org", "sub": "1234"})})
	require.NoError(t, SaveToken(path, in))

	out, err := LoadToken(path)
	require.NoError(t, err)
	s, err := NewSession(out)
	require.NoError(t, err)
	assert.Equal(t, "surveyor@example.org", s.Email(), "email survives a restart")
	assert.Equal(t, "1234", s.Subject())
}

func TestTokenFile_LoadsPlainToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"a","token_type":"Bearer","refresh_token":"r"}`), 0o600))

	out, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "a", out.AccessToken)
	assert.Equal(t, "r", out.RefreshToken)
	assert.Nil(t, out.Extra("id_token"))
}

func TestFindByName(t *testing.T) {
	files := []File{{ID: "1", Name: "a.pmtiles"}, {ID: "2", Name: "b.pmtiles"}}
	f, ok := FindByName(files, "b.pmtiles")
	assert.True(t, ok)
	assert.Equal(t, "2", f.ID)
	assert.True(t, f.IsOverlay())

	_, ok = FindByName(files, "c.pmtiles")
	assert.False(t, ok)
	assert.False(t, File{Name: "fieldmap-metadata.json"}.IsOverlay())
}
