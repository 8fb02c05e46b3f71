// Package auth checks out access tokens for feature services.
package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/con-j-e/featsync/internal/errs"
)

// TokenSource hands out a token valid for at least the given minutes.
type TokenSource interface {
	CheckoutToken(ctx context.Context, minutes int) (string, error)
}

// SecretStore looks up a stored secret for a service account.
type SecretStore interface {
	Secret(service, user string) (string, error)
}

// Generator mints a brand-new token.
type Generator interface {
	Generate(ctx context.Context) (TimedToken, error)
}

type TimedToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// Covers reports whether t stays valid for d after now.
func (t TimedToken) Covers(now time.Time, d time.Duration) bool {
	return t.Token != "" && t.Expires.Sub(now) >= d
}

// StaticToken always returns itself. The empty token is valid for public
// layers.
type StaticToken string

func (s StaticToken) CheckoutToken(context.Context, int) (string, error) {
	return string(s), nil
}

// EnvSecrets reads secrets from environment variables named
// <Prefix><SERVICE>__<USER>, upper-cased with every other rune as '_'.
type EnvSecrets struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func NewEnvSecrets(prefix string) EnvSecrets {
	return EnvSecrets{Prefix: prefix, Lookup: os.LookupEnv}
}

func (e EnvSecrets) Key(service, user string) string {
	return e.Prefix + envSafe(service) + "__" + envSafe(user)
}

func (e EnvSecrets) Secret(service, user string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := e.Key(service, user)
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", errs.New(errs.MissingResource, "auth.secret", "no secret in $%s", key)
	}
	return v, nil
}

func envSafe(s string) string {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, s)
}

func minutes(n int) time.Duration {
	if n < 0 {
		n = -n
	}
	return time.Duration(n) * time.Minute
}

var errNoGenerator = errors.New("auth: token cache has no generator")
