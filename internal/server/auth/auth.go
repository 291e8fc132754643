package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("forbidden")
)

// AuthService issues and checks the bearer tokens sources and operators
// present to the server.
type AuthService struct {
	config *Config
}

func NewAuthService(config *Config) *AuthService {
	return &AuthService{config: config}
}

func (s *AuthService) IsEnabled() bool {
	return s.config.Enabled
}

// IssueToken signs a token for subject. A zero expiry uses the configured
// default; a negative one never expires.
func (s *AuthService) IssueToken(subject string, role Role, endpoints []string, expiry time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	if role != RoleSource && role != RoleAdmin {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	if expiry == 0 {
		expiry = s.config.TokenExpiry
	}
	return newToken(subject, s.config.TokenIssuer, s.config.TokenSecret, expiry, role, endpoints)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims, err := ParseClaims(tokenString, s.config.TokenSecret, s.config.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	switch claims.Role {
	case RoleSource, RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

func newToken(subject, issuer, jwtSecret string, expiry time.Duration, role Role, endpoints []string) (string, error) {
	var expiryTime *jwt.NumericDate

	if expiry > 0 {
		expiryTime = jwt.NewNumericDate(time.Now().Add(expiry))
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: expiryTime,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:      role,
		Endpoints: endpoints,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
