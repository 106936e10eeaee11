// Package auth authenticates API callers. A bearer JWT's subject becomes the
// owner id of every mandate the caller creates or touches.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustagent/mandates/pkg/api"
)

// JWTValidator validates JWT tokens and extracts claims.
type JWTValidator struct {
	// KeySet provides the keys for validation.
	KeySet KeySet
}

// NewJWTValidator creates a validator with the given KeySet.
func NewJWTValidator(ks KeySet) *JWTValidator {
	if ks == nil {
		return nil
	}
	return &JWTValidator{KeySet: ks}
}

// clockSkew tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

// maxOwnerIDLen bounds the subject; it ends up in storage keys and logs.
const maxOwnerIDLen = 128

// Validate parses tokenStr and checks issuer, audience, expiry and the
// EdDSA algorithm.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || v.KeySet == nil {
		return nil, errors.New("validator uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc(),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// validOwnerID rejects subjects that are empty, oversized or carry
// control characters. Owner ids are joined with NUL in idempotency scopes.
func validOwnerID(id string) bool {
	if strings.TrimSpace(id) == "" || len(id) > maxOwnerIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// authenticate resolves the caller from the Authorization header. On
// failure the returned string is the client-facing detail.
func authenticate(validator *JWTValidator, r *http.Request) (*Principal, string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, "Missing Authorization header", nil
	}
	scheme, tokenStr, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
		return nil, "Invalid Authorization header format (expected 'Bearer <token>')", nil
	}
	if validator == nil {
		return nil, "Authentication not configured", nil
	}
	claims, err := validator.Validate(strings.TrimSpace(tokenStr))
	if err != nil {
		return nil, "Invalid or expired token", err
	}
	if !validOwnerID(claims.Subject) {
		return nil, "Token subject is not a valid owner id", nil
	}
	return &Principal{OwnerID: claims.Subject, Roles: claims.Roles}, "", nil
}

// NewMiddleware requires a bearer JWT on every path except those in
// public. The token subject becomes the request's owner id.
func NewMiddleware(validator *JWTValidator, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]struct{}, len(public))
	for _, p := range public {
		open[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := open[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			principal, detail, err := authenticate(validator, r)
			if principal == nil {
				Logger(r.Context(), nil).Debug("request rejected", "path", r.URL.Path, "reason", detail, "error", err)
				api.WriteUnauthorized(w, detail)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole rejects authenticated callers without role with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := GetPrincipal(r.Context())
			if err != nil {
				api.WriteUnauthorized(w, "")
				return
			}
			if !p.HasRole(role) {
				api.WriteForbidden(w, fmt.Sprintf("role %q required", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
