package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// authority is a fake OIDC provider: discovery document, JWKS endpoint, and
// a signing key to mint tokens with.
type authority struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	kid      string
	jwksHits atomic.Int32
	fail     atomic.Bool
}

func newAuthority(t *testing.T) *authority {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	a := &authority{key: key, kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"jwks_uri": a.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		a.jwksHits.Add(1)
		if a.fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		pub := &a.key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": a.kid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *authority) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = a.kid
	signed, err := token.SignedString(a.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "svc-apptrust",
		"aud":   "bookverse:api",
		"scope": "bookverse:api other:scope",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func newValidator(t *testing.T, a *authority) *Validator {
	t.Helper()
	cache := NewJWKSCache(a.srv.URL, time.Hour, nil)
	return NewValidator(true, a.srv.URL, "bookverse:api", cache, nil)
}

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhook/apptrust", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticateValidToken(t *testing.T) {
	a := newAuthority(t)
	v := newValidator(t, a)

	user, err := v.Authenticate(request(a.sign(t, validClaims())), ScopeAPI)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Subject != "svc-apptrust" {
		t.Errorf("Subject = %q", user.Subject)
	}
	if !user.HasScope("other:scope") {
		t.Error("scopes not parsed from scope claim")
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	a := newAuthority(t)
	v := newValidator(t, a)

	if _, err := v.Authenticate(request(""), ScopeAPI); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestAuthenticateWrongAudience(t *testing.T) {
	a := newAuthority(t)
	v := newValidator(t, a)

	claims := validClaims()
	claims["aud"] = "someone:else"
	if _, err := v.Authenticate(request(a.sign(t, claims)), ScopeAPI); err == nil {
		t.Error("expected audience mismatch to fail")
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a := newAuthority(t)
	v := newValidator(t, a)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	if _, err := v.Authenticate(request(a.sign(t, claims)), ScopeAPI); err == nil {
		t.Error("expected expired token to fail")
	}
}

func TestAuthenticateMissingScope(t *testing.T) {
	a := newAuthority(t)
	v := newValidator(t, a)

	claims := validClaims()
	claims["scope"] = "read:only"
	_, err := v.Authenticate(request(a.sign(t, claims)), ScopeAPI)
	if !errors.Is(err, ErrMissingScope) {
		t.Errorf("err = %v, want ErrMissingScope", err)
	}
}

func TestAuthenticateDisabledBypasses(t *testing.T) {
	v := NewValidator(false, "", "", nil, nil)

	user, err := v.Authenticate(request(""), ScopeAPI)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !user.HasScope(ScopeAPI) {
		t.Error("dev-mode user should carry the api scope")
	}
}

func TestJWKSCacheReusesKeysWithinTTL(t *testing.T) {
	a := newAuthority(t)
	v := newValidator(t, a)

	for i := 0; i < 3; i++ {
		if _, err := v.Authenticate(request(a.sign(t, validClaims())), ScopeAPI); err != nil {
			t.Fatalf("Authenticate #%d: %v", i, err)
		}
	}
	if hits := a.jwksHits.Load(); hits != 1 {
		t.Errorf("JWKS fetched %d times inside TTL, want 1", hits)
	}
}

func TestJWKSCacheInvalidateForcesRefetch(t *testing.T) {
	a := newAuthority(t)
	cache := NewJWKSCache(a.srv.URL, time.Hour, nil)
	v := NewValidator(true, a.srv.URL, "bookverse:api", cache, nil)

	if _, err := v.Authenticate(request(a.sign(t, validClaims())), ScopeAPI); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate()
	if _, err := v.Authenticate(request(a.sign(t, validClaims())), ScopeAPI); err != nil {
		t.Fatal(err)
	}
	if hits := a.jwksHits.Load(); hits != 2 {
		t.Errorf("JWKS fetched %d times across Invalidate, want 2", hits)
	}
}

func TestJWKSCacheServesStaleOnAuthorityFailure(t *testing.T) {
	a := newAuthority(t)
	cache := NewJWKSCache(a.srv.URL, time.Nanosecond, nil) // instantly stale

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	a.fail.Store(true)

	if _, err := cache.Key(context.Background(), a.kid); err != nil {
		t.Errorf("Key with stale cache and dead authority = %v, want stale key served", err)
	}
}

func TestCacheStatus(t *testing.T) {
	a := newAuthority(t)
	cache := NewJWKSCache(a.srv.URL, time.Hour, nil)

	st := cache.Status()
	if st.KeyCount != 0 || !st.Stale {
		t.Errorf("empty cache status = %+v", st)
	}

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	st = cache.Status()
	if st.KeyCount != 1 || st.Stale {
		t.Errorf("warm cache status = %+v", st)
	}
}
