package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// JWKSCache holds the authority's signing keys with an explicit TTL. It is an
// owned object passed into the validator, not ambient package state: callers
// decide when to Refresh or Invalidate it.
type JWKSCache struct {
	authority  string
	ttl        time.Duration
	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	jwksURI   string
}

// NewJWKSCache creates a cache for the given OIDC authority. Keys are fetched
// lazily on first use and refreshed after ttl.
func NewJWKSCache(authority string, ttl time.Duration, hc *http.Client) *JWKSCache {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSCache{
		authority:  authority,
		ttl:        ttl,
		httpClient: hc,
	}
}

// Key returns the RSA public key for kid, refreshing the key set when the
// cache is stale or the kid is unknown.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	// Unknown kid forces a refresh too: the authority may have rotated keys
	// inside the TTL window.
	if err := c.Refresh(ctx); err != nil {
		if ok {
			// Stale keys beat no keys when the authority is unreachable.
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth: no signing key with kid %q", kid)
	}
	return key, nil
}

// Refresh fetches the OIDC configuration and key set unconditionally.
// Transient fetch failures are retried with capped exponential backoff.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	uri, err := c.discoverJWKSURI(ctx)
	if err != nil {
		return err
	}

	var jwks jwksDocument
	operation := func() error {
		return c.getJSON(ctx, uri, &jwks)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("auth: fetch JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			return fmt.Errorf("auth: parse JWK %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("auth: JWKS at %s contains no usable RSA keys", uri)
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached keys; the next Key call refetches.
func (c *JWKSCache) Invalidate() {
	c.mu.Lock()
	c.keys = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Status describes the cache for health reporting.
func (c *JWKSCache) Status() CacheStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStatus{
		KeyCount:  len(c.keys),
		FetchedAt: c.fetchedAt,
		Stale:     c.fetchedAt.IsZero() || time.Since(c.fetchedAt) >= c.ttl,
	}
}

// CacheStatus is the exported snapshot of JWKS cache state.
type CacheStatus struct {
	KeyCount  int       `json:"key_count"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
	Stale     bool      `json:"stale"`
}

func (c *JWKSCache) discoverJWKSURI(ctx context.Context) (string, error) {
	c.mu.RLock()
	uri := c.jwksURI
	c.mu.RUnlock()
	if uri != "" {
		return uri, nil
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	wellKnown := c.authority + "/.well-known/openid-configuration"
	if err := c.getJSON(ctx, wellKnown, &doc); err != nil {
		return "", fmt.Errorf("auth: fetch OIDC configuration: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("auth: OIDC configuration at %s has no jwks_uri", wellKnown)
	}

	c.mu.Lock()
	c.jwksURI = doc.JWKSURI
	c.mu.Unlock()
	return doc.JWKSURI, nil
}

func (c *JWKSCache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
