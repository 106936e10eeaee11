package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer is stamped into every token this service mints.
	Issuer = "ap2-mandates"
	// Audience is the only audience the middleware accepts.
	Audience = "ap2-mandates-api"
)

// Claims are the JWT claims expected by the mandate API. The subject is the
// owner id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// MintToken issues a bearer token for ownerID valid for ttl.
func MintToken(ctx context.Context, ks KeySet, ownerID string, roles []string, ttl time.Duration) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if !validOwnerID(ownerID) {
		return "", fmt.Errorf("invalid owner id %q", ownerID)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   ownerID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return ks.Sign(ctx, claims)
}
