// Package tokens mints short-lived admin tokens scoped to one instance's
// administrative API. The signing key lives only in process memory, so a
// manager restart invalidates every outstanding token and callers must
// re-authenticate.
package tokens

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNotIssued is returned by Refresh when no token has ever been
	// issued for the instance.
	ErrNotIssued = errors.New("no token issued for instance")

	// ErrInvalidToken is returned by Verify for expired, tampered, or
	// foreign tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// ScopeAdmin authorizes calls against an instance's full management API.
const ScopeAdmin = "admin"

// InstanceClaims are the claims carried by an instance admin token.
type InstanceClaims struct {
	Instance string `json:"inst"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Token is a minted credential together with its validity window.
type Token struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs instance admin tokens with a process-wide HMAC key and
// caches the most recent token per instance so that refreshes inside the
// refresh interval do not churn new tokens.
type Issuer struct {
	mu              sync.Mutex
	key             []byte
	lifetime        time.Duration
	refreshInterval time.Duration
	cache           map[string]cachedToken

	now func() time.Time // overridable in tests
}

type cachedToken struct {
	token Token
	scope string
}

// NewIssuer creates an Issuer with a freshly generated signing key.
func NewIssuer(lifetime, refreshInterval time.Duration) (*Issuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Issuer{
		key:             key,
		lifetime:        lifetime,
		refreshInterval: refreshInterval,
		cache:           make(map[string]cachedToken),
		now:             time.Now,
	}, nil
}

// Issue mints a new token for the named instance with the given scope,
// replacing any cached token.
func (i *Issuer) Issue(instance, scope string) (Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mintLocked(instance, scope)
}

// Refresh returns a valid token for the instance. If the cached token was
// minted less than the refresh interval ago it is returned as-is; otherwise
// a new token is minted with the same scope. Refresh fails with ErrNotIssued
// if Issue was never called for the instance.
func (i *Issuer) Refresh(instance string) (Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cached, ok := i.cache[instance]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrNotIssued, instance)
	}

	now := i.now()
	if now.Sub(cached.token.IssuedAt) < i.refreshInterval && now.Before(cached.token.ExpiresAt) {
		return cached.token, nil
	}
	return i.mintLocked(instance, cached.scope)
}

// Invalidate drops the cached token for an instance. Called on stop and
// teardown so a stopped instance's token is not silently refreshed.
func (i *Issuer) Invalidate(instance string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.cache, instance)
}

// Verify parses a token string and returns its claims if the signature is
// valid and the token has not expired.
func (i *Issuer) Verify(tokenString string) (*InstanceClaims, error) {
	claims := &InstanceClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) mintLocked(instance, scope string) (Token, error) {
	now := i.now()
	expiresAt := now.Add(i.lifetime)

	claims := InstanceClaims{
		Instance: instance,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   instance,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token for %s: %w", instance, err)
	}

	token := Token{
		Token:     signed,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	i.cache[instance] = cachedToken{token: token, scope: scope}
	return token, nil
}
