package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	// RoleSource may sync the endpoints listed in its token.
	RoleSource Role = "source"
	// RoleAdmin may sync any endpoint and manage endpoints.
	RoleAdmin Role = "admin"
)

type Claims struct {
	Role Role `json:"role"`
	// Endpoints limits a source token. Empty means every endpoint.
	Endpoints []string `json:"endpoints,omitempty"`
	jwt.RegisteredClaims
}

// CanSync reports whether the token holder may sync endpoint.
func (c *Claims) CanSync(endpoint string) bool {
	if c.Role == RoleAdmin || len(c.Endpoints) == 0 {
		return true
	}
	return slices.Contains(c.Endpoints, endpoint)
}

func ParseClaims(tokenString, jwtSecret, issuer string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

type claimsKey struct{}

// WithClaims attaches verified claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims attached by WithClaims, or nil when the
// request was not authenticated.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}
