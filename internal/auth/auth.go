// Package auth issues and verifies the single bearer token that guards
// the loopback control plane.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rovot/rovot/internal/policy"
	"github.com/rovot/rovot/internal/secrets"
)

const tokenKey = "auth.token"

// EnsureToken returns the control-plane token, minting one on first run.
// The token lives in the secrets store plus a 0600 file under dataDir so
// local clients (and the user) can read it.
func EnsureToken(store *secrets.Store, dataDir string) (string, error) {
	if tok := store.Get(tokenKey); tok != "" {
		return tok, nil
	}

	tokenPath := filepath.Join(dataDir, "auth_token.txt")
	if raw, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			_ = store.Set(tokenKey, tok)
			return tok, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	if err := store.Set(tokenKey, tok); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// RotateToken discards any existing token and mints a new one.
func RotateToken(store *secrets.Store, dataDir string) (string, error) {
	store.Delete(tokenKey)
	_ = os.Remove(filepath.Join(dataDir, "auth_token.txt"))
	return EnsureToken(store, dataDir)
}

// Verify compares a presented token in constant time and, on success,
// returns the auth context granted to the local console: all scopes.
func Verify(store *secrets.Store, presented string) (*policy.AuthContext, bool) {
	expected := store.Get(tokenKey)
	if expected == "" || presented == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return nil, false
	}
	return &policy.AuthContext{Token: presented, Scopes: policy.AllScopes()}, true
}

type authContextKey struct{}

// WithAuthContext attaches the verified auth context to ctx.
func WithAuthContext(ctx context.Context, actx *policy.AuthContext) context.Context {
	if actx == nil {
		return ctx
	}
	return context.WithValue(ctx, authContextKey{}, actx)
}

// AuthContextFromContext retrieves the auth context, if any.
func AuthContextFromContext(ctx context.Context) (*policy.AuthContext, bool) {
	actx, ok := ctx.Value(authContextKey{}).(*policy.AuthContext)
	return actx, ok
}
