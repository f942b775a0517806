package auth

import (
	"context"
	"strings"
)

// Authenticate extracts a bearer token from an "Authorization" header
// value presented at WebSocket handshake and validates it. A nil
// validator means auth is disabled and every connection is accepted with
// no claims.
func Authenticate(ctx context.Context, validator Validator, authHeader string) (*Claims, error) {
	if validator == nil {
		return nil, nil
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return nil, ErrMissingToken
	}
	token := strings.TrimPrefix(authHeader, prefix)

	return validator.ValidateToken(ctx, token)
}
