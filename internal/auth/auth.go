// Package auth validates inbound bearer tokens against an OIDC authority.
// It only checks tokens; issuing them is someone else's job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAPI is the scope required to deliver webhook events.
const ScopeAPI = "bookverse:api"

// Errors returned by Authenticate; handlers map them to 401/403.
var (
	ErrNoToken      = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingScope = errors.New("auth: token lacks required scope")
)

// User is the authenticated caller extracted from a validated token.
type User struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the user's token granted scope.
func (u *User) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator checks RS256 JWTs using keys from a JWKSCache. With Enabled
// false every request passes as a synthetic local user; that mode exists for
// development clusters without an identity provider.
type Validator struct {
	enabled   bool
	authority string
	audience  string
	cache     *JWKSCache
	log       *slog.Logger
}

// NewValidator creates a token validator. cache may be nil only when enabled
// is false.
func NewValidator(enabled bool, authority, audience string, cache *JWKSCache, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		enabled:   enabled,
		authority: authority,
		audience:  audience,
		cache:     cache,
		log:       log,
	}
}

// Authenticate validates the Authorization header of r. requiredScope may be
// empty when any authenticated caller is acceptable.
func (v *Validator) Authenticate(r *http.Request, requiredScope string) (*User, error) {
	if !v.enabled {
		return &User{Subject: "dev-mode", Scopes: []string{ScopeAPI}}, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(raw, v.keyFunc(r.Context()),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	user := &User{Scopes: scopesFromClaims(claims)}
	if sub, err := claims.GetSubject(); err == nil {
		user.Subject = sub
	}

	if requiredScope != "" && !user.HasScope(requiredScope) {
		return nil, fmt.Errorf("%w: %s", ErrMissingScope, requiredScope)
	}
	return user, nil
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.cache.Key(ctx, kid)
	}
}

// Status reports the validator's configuration and cache health for the
// /health/auth endpoint.
func (v *Validator) Status() map[string]any {
	status := map[string]any{
		"enabled":   v.enabled,
		"authority": v.authority,
		"audience":  v.audience,
	}
	if v.cache != nil {
		status["jwks_cache"] = v.cache.Status()
	}
	return status
}

// TestConnection exercises the full discovery + JWKS fetch path against the
// authority. Used by the /health/auth/test endpoint.
func (v *Validator) TestConnection(ctx context.Context) map[string]any {
	if !v.enabled {
		return map[string]any{"status": "skipped", "reason": "auth disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := v.cache.Refresh(ctx); err != nil {
		return map[string]any{"status": "unreachable", "error": err.Error()}
	}
	return map[string]any{
		"status":     "ok",
		"latency_ms": time.Since(start).Milliseconds(),
		"jwks_cache": v.cache.Status(),
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// scopesFromClaims reads either the space-separated "scope" claim or the
// array-valued "scp" claim, covering both common issuer conventions.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if raw, ok := claims["scope"].(string); ok {
		return strings.Fields(raw)
	}
	if raw, ok := claims["scp"].([]any); ok {
		scopes := make([]string, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}
