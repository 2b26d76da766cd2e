// Package authz implements the token gate: bearer extraction, per-tenant
// signing-key lookup, and delegated verification against a role allow-list.
//
// Token verification and key lookup are externalized behind the Verifier
// and KeyStore interfaces — this service only authorizes already-issued
// tokens, it never issues or refreshes them.
package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Claims describes the authenticated principal of a request.
type Claims struct {
	User   string
	Groups []string
	Roles  []string
}

// HasRole reports whether the claims carry any of the given roles.
func (c *Claims) HasRole(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, want := range allowed {
		for _, got := range c.Roles {
			if got == want {
				return true
			}
		}
	}
	return false
}

// Sentinel authorization failures, mapped to HTTP status codes by the
// caller (internal/apierror).
var (
	ErrMissingToken  = errors.New("authz: missing bearer token")
	ErrMalformed     = errors.New("authz: malformed authorization header")
	ErrInvalidTenant = errors.New("authz: invalid tenant")
	ErrRejected      = errors.New("authz: token rejected")
)

// KeyStore resolves the signing key material for a tenant. This is an
// external collaborator — the gate never persists or rotates keys itself.
type KeyStore interface {
	Get(ctx context.Context, pnum string) ([]byte, error)
}

// Verifier validates a bearer token against a tenant's key and an allowed
// role set, returning the authenticated claims or an error, which the
// Gate joins with ErrRejected. This is an external collaborator — the gate never
// implements token cryptography beyond the default JWTVerifier below.
type Verifier interface {
	Verify(ctx context.Context, token string, key []byte, rolesAllowed []string, tenant string) (*Claims, error)
}

// Gate is the TokenGate component: it extracts the bearer token, resolves
// the tenant's key, and delegates verification.
type Gate struct {
	Keys     KeyStore
	Verifier Verifier
}

// New builds a Gate from a key store and verifier.
func New(keys KeyStore, verifier Verifier) *Gate {
	return &Gate{Keys: keys, Verifier: verifier}
}

// Authorize extracts and verifies the bearer token for the given tenant,
// requiring one of rolesAllowed (nil/empty means any authenticated role).
func (g *Gate) Authorize(ctx context.Context, r *http.Request, pnum string, rolesAllowed []string) (*Claims, error) {
	token, err := extractBearer(r)
	if err != nil {
		return nil, err
	}
	key, err := g.Keys.Get(ctx, pnum)
	if err != nil {
		return nil, ErrInvalidTenant
	}
	claims, err := g.Verifier.Verify(ctx, token, key, rolesAllowed, pnum)
	if err != nil {
		return nil, errors.Join(ErrRejected, err)
	}
	if !claims.HasRole(rolesAllowed) {
		return nil, ErrRejected
	}
	return claims, nil
}

func extractBearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", ErrMalformed
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", ErrMalformed
	}
	return token, nil
}
