package services

import (
	"context"
	"testing"
	"time"

	"roomcast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityService_RoundTrip(t *testing.T) {
	svc := NewIdentityService("secret", time.Minute)

	token, err := svc.GenerateToken(domain.Principal{ID: "perf-1", Kind: domain.KindPerformer})
	require.NoError(t, err)

	p, err := svc.ResolveIdentity(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.PrincipalID("perf-1"), p.ID)
	assert.Equal(t, domain.KindPerformer, p.Kind)
	assert.False(t, p.Admin)
}

func TestIdentityService_EmptyTokenIsGuest(t *testing.T) {
	svc := NewIdentityService("secret", time.Minute)

	p, err := svc.ResolveIdentity(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestIdentityService_RejectsBadTokens(t *testing.T) {
	svc := NewIdentityService("secret", time.Minute)
	other := NewIdentityService("other-secret", time.Minute)

	foreign, err := other.GenerateToken(domain.Principal{ID: "alice", Kind: domain.KindUser})
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
	} {
		t.Run(name, func(t *testing.T) {
			p, err := svc.ResolveIdentity(context.Background(), token)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestIdentityService_Expired(t *testing.T) {
	svc := NewIdentityService("secret", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := svc.GenerateToken(domain.Principal{ID: "alice", Kind: domain.KindUser})
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestIdentityService_RejectsUnknownKind(t *testing.T) {
	svc := NewIdentityService("secret", time.Minute)

	claims := &Claims{
		PrincipalID: "alice",
		Kind:        "robot",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ResolveIdentity(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.GenerateToken(domain.Principal{ID: "alice"})
	assert.ErrorIs(t, err, domain.ErrInvalidPrincipal)
}

func TestIdentityService_AdminClaim(t *testing.T) {
	svc := NewIdentityService("secret", time.Minute)

	token, err := svc.GenerateToken(domain.Principal{ID: "ops", Kind: domain.KindUser, Admin: true})
	require.NoError(t, err)

	p, err := svc.ResolveIdentity(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, p.Admin)
}
