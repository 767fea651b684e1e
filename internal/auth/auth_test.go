package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExaminerLogin(t *testing.T) {
	a := NewAuthenticator(Config{Enabled: true, Username: "exam", Password: "s3cret", JWTSecret: "k"})

	_, _, err := a.Authenticate("exam", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("other", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, exp, err := a.Authenticate("exam", "s3cret")
	require.NoError(t, err)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "exam", claims.UserID())
	assert.Equal(t, RoleExaminer, claims.Role)
}

func TestPreHashedPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)

	a := NewAuthenticator(Config{Enabled: true, Password: hash})
	_, _, err = a.Authenticate("examiner", "pw")
	assert.NoError(t, err)
}

func TestDisabledLogin(t *testing.T) {
	a := NewAuthenticator(Config{})
	assert.False(t, a.IsEnabled())
	_, _, err := a.Authenticate("examiner", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestCandidateToken(t *testing.T) {
	a := NewAuthenticator(Config{JWTSecret: "k"})

	_, _, err := a.IssueCandidateToken("", "x@example.com")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, _, err := a.IssueCandidateToken("u1", "u1@example.com")
	require.NoError(t, err)
	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "u1@example.com", claims.Email)
	assert.Equal(t, RoleCandidate, claims.Role)

	other := NewJWTManager("different", "")
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	m := NewJWTManager("k", "-1m")
	token, _, err := m.GenerateToken(Identity{UserID: "u1", Role: RoleCandidate})
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
