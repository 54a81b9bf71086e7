package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/identity"
)

// DefaultTokenTTL is the lifetime of tokens minted by TokenService.Issue.
const DefaultTokenTTL = 12 * time.Hour

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the JWT claims presented by the authentication service.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts the claims into the caller identity.
func (c *Claims) Identity() identity.Subject {
	return identity.Subject{
		ID:          c.UserID,
		Username:    c.Username,
		Name:        c.Name,
		Email:       c.Email,
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}

// TokenService verifies HS256 bearer tokens. It can also mint them for
// local use.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// NewTokenService creates a token service. An empty issuer skips the
// issuer check.
func NewTokenService(secret, issuer string, ttl time.Duration, clk clock.Clock) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		clock:  clk,
	}
}

// Verify validates a token and returns its claims.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// Tokens from generic issuers carry the id in "sub" only
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	return claims, nil
}

// Issue mints a token for subject.
func (s *TokenService) Issue(subject identity.Subject) (string, error) {
	if subject.ID == "" {
		return "", errors.New("subject id is required")
	}

	now := s.clock.Now()
	claims := &Claims{
		UserID:      subject.ID,
		Username:    subject.Username,
		Name:        subject.Name,
		Email:       subject.Email,
		Roles:       subject.Roles,
		Permissions: subject.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}
