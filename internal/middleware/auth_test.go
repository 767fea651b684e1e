package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	a := auth.NewAuthenticator(auth.Config{Enabled: true, Password: "pw", JWTSecret: "k"})
	token, _, err := a.IssueCandidateToken("u1", "u1@example.com")
	require.NoError(t, err)

	var seen *auth.Claims
	h := AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "bad format", header: "Token abc", status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer abc", status: http.StatusUnauthorized},
		{name: "header", header: "Bearer " + token, status: http.StatusOK},
		{name: "query", query: "?token=" + token, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "u1", seen.UserID())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	a := auth.NewAuthenticator(auth.Config{JWTSecret: "k"})
	token, _, err := a.IssueCandidateToken("u1", "")
	require.NoError(t, err)
	claims, err := a.ValidateToken(token)
	require.NoError(t, err)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	_, err = RequireRole(ctx, auth.RoleCandidate)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx = req.Context()
	ctx = WithClaims(ctx, claims)
	_, err = RequireRole(ctx, auth.RoleExaminer)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	got, err := RequireRole(ctx, auth.RoleCandidate)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID())
}
