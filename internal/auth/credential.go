// Package auth supplies the credential attached to outbound curation requests
// and validates it on the receiving side.
package auth

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialSource reports the current auth token. ok is false while the user
// is not signed in; callers must not send anything in that state.
type CredentialSource interface {
	Token(ctx context.Context) (token string, ok bool)
}

// Static is a fixed token; the empty string means signed out
type Static string

func (s Static) Token(context.Context) (string, bool) {
	return string(s), s != ""
}

// Env reads the token from the named environment variable on every call
type Env string

func (e Env) Token(context.Context) (string, bool) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	return v, v != ""
}

// File reads the token from a file on every call, so a login that rewrites the
// file takes effect on the next sync attempt. A missing file means signed out.
type File string

func (f File) Token(context.Context) (string, bool) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(b))
	return v, v != ""
}

// ExpiryGate treats a JWT whose exp claim has passed as absent.
// Tokens that are not JWTs pass through unchanged.
type ExpiryGate struct {
	Source CredentialSource
	Leeway time.Duration
	Now    func() time.Time
}

func (g ExpiryGate) Token(ctx context.Context) (string, bool) {
	tok, ok := g.Source.Token(ctx)
	if !ok {
		return "", false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return tok, true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return tok, true
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	if now().After(exp.Add(g.Leeway)) {
		return "", false
	}
	return tok, true
}

// DefaultSource builds the credential chain used by outboxd: a token file if
// configured, else a static token, both gated on JWT expiry.
func DefaultSource(token, tokenFile string) CredentialSource {
	var src CredentialSource = Static(token)
	if tokenFile != "" {
		src = File(tokenFile)
	}
	return ExpiryGate{Source: src, Leeway: 30 * time.Second}
}
