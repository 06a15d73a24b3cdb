package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrMissingToken reports a request without credentials.
var ErrMissingToken = errors.New("missing auth token")

// Identity names an authenticated subscriber and the protocol variant it asked for.
type Identity struct {
	Subject string
	Variant string
}

// RequestAuthenticator resolves the identity behind an upgrade request.
type RequestAuthenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AllowAll accepts every request; the subject and variant come from the
// "subject" and "variant" query parameters.
type AllowAll struct{}

// Authenticate implements RequestAuthenticator.
func (AllowAll) Authenticate(r *http.Request) (Identity, error) {
	query := r.URL.Query()
	return Identity{Subject: strings.TrimSpace(query.Get("subject")), Variant: strings.TrimSpace(query.Get("variant"))}, nil
}

// TokenAuthenticator requires a signed token in the auth_token query parameter
// or the X-Auth-Token header.
type TokenAuthenticator struct {
	verifier *Verifier
}

// NewTokenAuthenticator returns an authenticator for secret with a small clock skew allowance.
func NewTokenAuthenticator(secret string) (*TokenAuthenticator, error) {
	verifier, err := NewVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &TokenAuthenticator{verifier: verifier}, nil
}

// Verifier exposes the underlying verifier, mainly to pin its clock in tests.
func (a *TokenAuthenticator) Verifier() *Verifier { return a.verifier }

// Authenticate implements RequestAuthenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if a == nil || a.verifier == nil {
		return Identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: claims.Subject, Variant: claims.Variant}, nil
}
