package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("secret"))

	token, expiresAt, err := svc.GenerateAccessToken("alice", "alice@example.com", []string{"operator"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, time.Minute)

	user, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.UserID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, []string{"operator"}, user.Roles)
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	issuer := NewJWTService(DefaultJWTConfig("one"))
	token, _, err := issuer.GenerateAccessToken("alice", "", nil)
	require.NoError(t, err)

	_, err = NewJWTService(DefaultJWTConfig("two")).ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_RejectsExpired(t *testing.T) {
	cfg := DefaultJWTConfig("secret")
	cfg.AccessTokenTTL = -time.Minute
	svc := NewJWTService(cfg)

	token, _, err := svc.GenerateAccessToken("alice", "", nil)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTService_FallsBackToSubject(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "stocksync", Subject: "bob"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	user, err := NewJWTService(DefaultJWTConfig("secret")).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.UserID)
}

func TestJWTService_RejectsAnonymous(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "stocksync"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewJWTService(DefaultJWTConfig("secret")).ValidateToken(token)
	assert.ErrorIs(t, err, ErrMissingSubject)
}
