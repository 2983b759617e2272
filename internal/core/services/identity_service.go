package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomcast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the token payload. Kind is "user" or "performer".
type Claims struct {
	PrincipalID domain.PrincipalID   `json:"sub_id"`
	Kind        domain.PrincipalKind `json:"kind"`
	Admin       bool                 `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// IdentityService resolves bearer tokens into principals and issues them.
type IdentityService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	now            func() time.Time
}

func NewIdentityService(jwtSecret string, accessTokenTTL time.Duration) *IdentityService {
	return &IdentityService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

// GenerateToken signs an access token for p.
func (s *IdentityService) GenerateToken(p domain.Principal) (string, error) {
	if p.ID == "" || !p.Kind.Valid() {
		return "", domain.ErrInvalidPrincipal
	}

	now := s.now()
	claims := &Claims{
		PrincipalID: p.ID,
		Kind:        p.Kind,
		Admin:       p.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ResolveIdentity implements ports.IdentityResolver. An empty token is a
// guest and yields nil, nil; any other token must verify.
func (s *IdentityService) ResolveIdentity(ctx context.Context, token string) (*domain.Principal, error) {
	if token == "" {
		return nil, nil
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	return &domain.Principal{
		ID:    claims.PrincipalID,
		Kind:  claims.Kind,
		Admin: claims.Admin,
	}, nil
}

func (s *IdentityService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PrincipalID == "" || !claims.Kind.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
