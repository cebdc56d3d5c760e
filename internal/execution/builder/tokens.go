package builder

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kandev/execplane/internal/common/config"
)

// ErrInvalidToken is returned when a token fails signature or claim
// validation.
var ErrInvalidToken = errors.New("builder: invalid token")

// AuthClaims backs the auth_token minted for skill downloads, and is also
// the shape of the user-session JWT a LiveSocket client presents on
// connect: both are signed with the same configured secret.
type AuthClaims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	jwt.RegisteredClaims
}

// TaskClaims backs the task_token minted for MCP auth: it identifies the
// task, subtask and user the call is scoped to.
type TaskClaims struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	jwt.RegisteredClaims
}

// TokenMinter mints the two HS256 JWTs the builder attaches to an
// ExecutionRequest.
type TokenMinter struct {
	secret  []byte
	authTTL time.Duration
	taskTTL time.Duration
}

// NewTokenMinter builds a minter from the JWT configuration section.
func NewTokenMinter(cfg config.JWTConfig) *TokenMinter {
	return &TokenMinter{
		secret:  []byte(cfg.Secret),
		authTTL: cfg.AuthTokenTTLDuration(),
		taskTTL: cfg.TaskTokenTTLDuration(),
	}
}

// MintAuthToken mints the user-scoped auth_token (24h default TTL) used for
// skill downloads.
func (m *TokenMinter) MintAuthToken(userID string) (string, error) {
	now := time.Now()
	claims := AuthClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.authTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// MintTaskToken mints the task-scoped task_token (1h default TTL) used for
// MCP authentication.
func (m *TokenMinter) MintTaskToken(taskID, subtaskID, userID, userName string) (string, error) {
	now := time.Now()
	claims := TaskClaims{
		TaskID:    taskID,
		SubtaskID: subtaskID,
		UserID:    userID,
		UserName:  userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.taskTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateAuthToken verifies a user-session JWT (the auth_token a
// LiveSocket client presents in its connect payload) and returns its
// claims.
func (m *TokenMinter) ValidateAuthToken(tokenString string) (*AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateTaskToken verifies a task_token and returns its claims.
func (m *TokenMinter) ValidateTaskToken(tokenString string) (*TaskClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TaskClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*TaskClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
