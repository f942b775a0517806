// Package auth validates the credential a client presents when opening a
// transport connection: either a single shared bearer token
// or a JWT verified against a JWKS endpoint. A validated connection carries
// Claims for the lifetime of its session; the event log itself has no
// notion of identity beyond the agentId a client is authorized to post as.
package auth

import "context"

type contextKey string

const claimsContextKey contextKey = "conductor_auth_claims"

// Claims describes the identity behind an authenticated connection.
type Claims struct {
	Subject string         `json:"sub"`
	Role    string         `json:"role,omitempty"`
	Custom  map[string]any `json:"-"`
}

// GetClaim retrieves a non-standard claim by key.
func (c *Claims) GetClaim(key string) (any, bool) {
	if c == nil || c.Custom == nil {
		return nil, false
	}
	v, ok := c.Custom[key]
	return v, ok
}

// ContextWithClaims returns a context carrying claims for downstream
// handlers (e.g. an agentId authorization check).
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext extracts claims previously attached with
// ContextWithClaims, or nil if the connection authenticated with no
// validator configured.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// Validator authenticates a bearer credential presented at connection
// time and returns the Claims it carries.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}
