package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carenet/escrow/internal/models"
)

// ErrInvalidToken is returned for any token that fails parsing, signature,
// expiry or claim checks. It wraps models.ErrUnauthorized.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", models.ErrUnauthorized)

// Service turns bearer tokens into principals. Tokens are issued upstream;
// Issue exists for operators and tests.
type Service interface {
	Issue(p models.Principal, ttl time.Duration) (string, error)
	Validate(token string) (*models.Principal, error)
}

type service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewService(secret, issuer string) (*service, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &service{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"perms,omitempty"`
}

func (s *service) Issue(p models.Principal, ttl time.Duration) (string, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", fmt.Errorf("%w: principal id is required", models.ErrValidation)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role:        p.Role,
		Permissions: p.Permissions,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) Validate(token string) (*models.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &models.Principal{ID: c.Subject, Role: c.Role, Permissions: c.Permissions}, nil
}
