package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/floodline/floodline/internal/limiter"
)

var errUnknownToken = errors.New("server: unknown token")

// TokenAuthenticator resolves bearer tokens against a static table loaded
// from configuration. It exists to give the rate limiter an authenticated
// identity; anything more elaborate plugs in behind the same interface.
type TokenAuthenticator struct {
	tokens map[string]string // token -> principal name
}

// NewTokenAuthenticator builds an authenticator over the token table.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

// Authenticate resolves the Authorization header (with or without a
// "Bearer " prefix) to an identity.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (limiter.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return limiter.Identity{}, errUnknownToken
	}
	name, ok := a.tokens[token]
	if !ok {
		return limiter.Identity{}, errUnknownToken
	}
	return limiter.Identity{Name: name}, nil
}
