package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims is the on-wire shape this service expects from an issued
// token; issuance itself happens outside this service.
type jwtClaims struct {
	User   string   `json:"user"`
	Groups []string `json:"groups"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTVerifier is the default Verifier implementation: HMAC-SHA256 bearer
// tokens, audience-scoped to the tenant in the claims' "pnum" registered
// audience entry.
type JWTVerifier struct{}

func (JWTVerifier) Verify(_ context.Context, token string, key []byte, rolesAllowed []string, tenant string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authz: unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authz: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("authz: token invalid")
	}
	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok {
		return nil, fmt.Errorf("authz: unexpected claims type")
	}
	if !claims.hasAudience(tenant) {
		return nil, fmt.Errorf("authz: token not scoped to tenant %s", tenant)
	}
	return &Claims{User: claims.User, Groups: claims.Groups, Roles: claims.Roles}, nil
}

func (c *jwtClaims) hasAudience(tenant string) bool {
	for _, aud := range c.Audience {
		if aud == tenant {
			return true
		}
	}
	return false
}

// StaticKeyStore is an in-memory KeyStore, the stand-in for the external
// per-tenant secret store this service delegates real deployments to.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStaticKeyStore builds a StaticKeyStore from an initial key map.
func NewStaticKeyStore(keys map[string][]byte) *StaticKeyStore {
	cp := make(map[string][]byte, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &StaticKeyStore{keys: cp}
}

func (s *StaticKeyStore) Get(_ context.Context, pnum string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[pnum]
	if !ok {
		return nil, fmt.Errorf("authz: no key for tenant %s", pnum)
	}
	return key, nil
}

// Set installs or rotates a tenant's key.
func (s *StaticKeyStore) Set(pnum string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[pnum] = key
}
