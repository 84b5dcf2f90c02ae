package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserTokenRoundTrip(t *testing.T) {
	m := NewUserTokenManager([]byte("secret"), time.Hour, "flowforge")

	token, err := m.GenerateUserToken("alice")
	require.NoError(t, err)

	claims, err := m.ValidateUserToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "flowforge", claims.Issuer)
	assert.True(t, claims.HasScope("workflows"))
	assert.True(t, claims.HasScope("sessions"))
	assert.False(t, claims.HasScope("admin"))
}

func TestUserTokenCustomScopes(t *testing.T) {
	m := NewUserTokenManager([]byte("secret"), time.Hour, "flowforge")

	token, err := m.GenerateUserToken("bob", "sessions")
	require.NoError(t, err)

	claims, err := m.ValidateUserToken(token)
	require.NoError(t, err)
	assert.True(t, claims.HasScope("sessions"))
	assert.False(t, claims.HasScope("workflows"))
}

func TestUserTokenRejected(t *testing.T) {
	m := NewUserTokenManager([]byte("secret"), time.Hour, "flowforge")

	_, err := m.GenerateUserToken("  ")
	assert.Error(t, err)

	other, err := NewUserTokenManager([]byte("other"), time.Hour, "flowforge").GenerateUserToken("alice")
	require.NoError(t, err)
	_, err = m.ValidateUserToken(other)
	assert.Error(t, err)

	foreign, err := NewUserTokenManager([]byte("secret"), time.Hour, "someone-else").GenerateUserToken("alice")
	require.NoError(t, err)
	_, err = m.ValidateUserToken(foreign)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)

	expired, err := NewUserTokenManager([]byte("secret"), -time.Minute, "flowforge").GenerateUserToken("alice")
	require.NoError(t, err)
	_, err = m.ValidateUserToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = m.ValidateUserToken("not-a-token")
	assert.Error(t, err)
}
