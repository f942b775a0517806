package auth

import "errors"

// Common authentication errors, surfaced to transports as the JSON-RPC
// "Invalid token" / "Unauthorized" error codes.
var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)
