package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier validates trigger-API JWTs against a cached JWKS. Keys are
// refreshed in the background so request handling never blocks on a
// JWKS fetch.
type Verifier struct {
	jwksURL    string
	cache      *jwk.Cache
	keySet     jwk.Set
	mu         sync.RWMutex
	refreshTTL time.Duration
}

// NewVerifier creates a verifier and warms the JWKS cache.
func NewVerifier(jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.mu.Lock()
			v.keySet = keySet
			v.mu.Unlock()
		}
		// Errors are retried on the next tick.
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// AccountFromRequest validates the request's JWT and returns the
// account id carried in the subject claim.
func (v *Verifier) AccountFromRequest(r *http.Request) (string, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("parse JWT: %w", err)
	}

	accountID := token.Subject()
	if accountID == "" {
		return "", fmt.Errorf("token missing account id (subject)")
	}
	return accountID, nil
}
