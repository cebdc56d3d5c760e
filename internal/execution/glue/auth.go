package glue

import (
	"github.com/kandev/execplane/internal/execution/builder"
	"github.com/kandev/execplane/internal/livesocket"
)

// TokenValidatorAdapter adapts *builder.TokenMinter to livesocket.TokenValidator
// so livesocket never has to import the builder package directly.
type TokenValidatorAdapter struct {
	minter *builder.TokenMinter
}

// NewTokenValidatorAdapter wraps a TokenMinter for use by /chat and
// /local-executor's connect handshake.
func NewTokenValidatorAdapter(minter *builder.TokenMinter) *TokenValidatorAdapter {
	return &TokenValidatorAdapter{minter: minter}
}

// ValidateAuthToken implements livesocket.TokenValidator.
func (a *TokenValidatorAdapter) ValidateAuthToken(tokenString string) (*livesocket.AuthClaims, error) {
	claims, err := a.minter.ValidateAuthToken(tokenString)
	if err != nil {
		return nil, livesocket.ErrUnauthenticated
	}
	return &livesocket.AuthClaims{UserID: claims.UserID, UserName: claims.UserName}, nil
}
