package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
	ErrForbidden          = errors.New("insufficient role")
)

// Config configures examiner login and token signing
type Config struct {
	Enabled   bool
	Username  string
	Password  string // plaintext or bcrypt hash
	JWTSecret string
	JWTExpiry string
}

// Authenticator handles examiner login and test-taker identity tokens
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(cfg Config) *Authenticator {
	username := cfg.Username
	if username == "" {
		username = "examiner"
	}

	var passwordHash []byte
	if cfg.Enabled && cfg.Password != "" {
		// Check if password is already a bcrypt hash
		if len(cfg.Password) == 60 && cfg.Password[0] == '$' {
			passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err == nil {
				passwordHash = hash
			}
		}
	}

	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     username,
		passwordHash: passwordHash,
		jwtManager:   NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry),
	}
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates examiner credentials and returns a JWT token
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(Identity{UserID: username, Role: RoleExaminer})
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// IssueCandidateToken signs a token for a test-taker
func (a *Authenticator) IssueCandidateToken(userID, email string) (string, int64, error) {
	if userID == "" {
		return "", 0, ErrInvalidCredentials
	}
	token, expiresAt, err := a.jwtManager.GenerateToken(Identity{UserID: userID, Email: email, Role: RoleCandidate})
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// JWTManager returns the JWT manager
func (a *Authenticator) JWTManager() *JWTManager {
	return a.jwtManager
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
