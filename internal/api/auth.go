package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/domain"
)

// ErrAuthDisabled is returned when no signing secret is configured.
var ErrAuthDisabled = errors.New("authentication is not configured")

// Claims are the bearer token claims Warden understands. Platform tokens
// may carry the user as "sub" or "user_id".
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Tier     string `json:"tier,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// User returns the subject of the token.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// TierHint returns the tier claim, if it names a known tier.
func (c *Claims) TierHint() *domain.TrustTier {
	if c.Tier == "" {
		return nil
	}
	tier, err := domain.ParseTrustTier(c.Tier)
	if err != nil {
		return nil
	}
	return &tier
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	adminRole string
}

// NewAuthenticator creates an authenticator from config.
func NewAuthenticator(cfg domain.AuthConfig) *Authenticator {
	role := cfg.AdminRole
	if role == "" {
		role = "admin"
	}
	return &Authenticator{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		adminRole: role,
	}
}

// Enabled reports whether tokens can be verified.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// IsAdmin reports whether the claims carry the admin role.
func (a *Authenticator) IsAdmin(c *Claims) bool {
	return c != nil && c.Role == a.adminRole
}

// Parse validates a token and returns its claims.
func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	if !a.Enabled() {
		return nil, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.User() == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Sign issues a token for userID. Used by operator tooling and tests.
func (a *Authenticator) Sign(userID, role string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
