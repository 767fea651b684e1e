package services

import (
	"context"
	"errors"

	"proctord/internal/auth"
	"proctord/internal/middleware"
)

// LoginPayload is the examiner login request
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResult carries an issued token
type TokenResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// CandidateTokenPayload asks for a test-taker token
type CandidateTokenPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// AuthStatus describes the caller's authentication
type AuthStatus struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	UserID        *string `json:"user_id,omitempty"`
	Role          *string `json:"role,omitempty"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
	}
}

// Login authenticates an examiner and returns a JWT token
func (a *AuthImplementation) Login(ctx context.Context, payload *LoginPayload) (*TokenResult, error) {
	token, expiresAt, err := a.authenticator.Authenticate(payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, unauthorized("Invalid username or password")
		}
		if errors.Is(err, auth.ErrAuthDisabled) {
			return nil, unauthorized("Authentication is disabled")
		}
		return nil, err
	}

	return &TokenResult{Token: token, ExpiresAt: expiresAt}, nil
}

// IssueCandidateToken lets an examiner hand a test-taker their token
func (a *AuthImplementation) IssueCandidateToken(ctx context.Context, payload *CandidateTokenPayload) (*TokenResult, error) {
	if a.authenticator.IsEnabled() {
		if _, err := middleware.RequireRole(ctx, auth.RoleExaminer); err != nil {
			return nil, err
		}
	}
	if payload.UserID == "" {
		return nil, badRequest("user_id is required")
	}

	token, expiresAt, err := a.authenticator.IssueCandidateToken(payload.UserID, payload.Email)
	if err != nil {
		return nil, err
	}
	return &TokenResult{Token: token, ExpiresAt: expiresAt}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatus, error) {
	status := &AuthStatus{Enabled: a.authenticator.IsEnabled()}

	if claims := middleware.GetUserFromContext(ctx); claims != nil {
		userID := claims.UserID()
		role := claims.Role
		status.Authenticated = true
		status.UserID = &userID
		status.Role = &role
	}
	return status, nil
}
