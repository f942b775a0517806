package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, jwk.Set) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return priv, set
}

func signTestJWT(t *testing.T, priv *rsa.PrivateKey, issuer, audience, subject string, extra map[string]any) string {
	t.Helper()
	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, issuer))
	require.NoError(t, token.Set(jwt.AudienceKey, audience))
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	for k, v := range extra {
		require.NoError(t, token.Set(k, v))
	}

	key, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func newJWKSServer(t *testing.T, set jwk.Set) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(set)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTValidator_AcceptsValidToken(t *testing.T) {
	priv, set := generateTestKeyPair(t)
	srv := newJWKSServer(t, set)

	v, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: srv.URL, Issuer: "issuer", Audience: "aud"})
	require.NoError(t, err)

	token := signTestJWT(t, priv, "issuer", "aud", "alice", map[string]any{"role": "operator"})
	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestJWTValidator_RejectsWrongIssuer(t *testing.T) {
	priv, set := generateTestKeyPair(t)
	srv := newJWKSServer(t, set)

	v, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: srv.URL, Issuer: "expected-issuer", Audience: "aud"})
	require.NoError(t, err)

	token := signTestJWT(t, priv, "wrong-issuer", "aud", "alice", nil)
	_, err = v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTValidator_RejectsMissingToken(t *testing.T) {
	_, set := generateTestKeyPair(t)
	srv := newJWKSServer(t, set)

	v, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: srv.URL, Issuer: "issuer", Audience: "aud"})
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestBearerValidator_AcceptsConfiguredToken(t *testing.T) {
	v := NewBearerValidator("s3cr3t")
	claims, err := v.ValidateToken(context.Background(), "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "bearer", claims.Subject)
}

func TestBearerValidator_RejectsWrongToken(t *testing.T) {
	v := NewBearerValidator("s3cr3t")
	_, err := v.ValidateToken(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_NilValidatorAllowsAnyConnection(t *testing.T) {
	claims, err := Authenticate(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Nil(t, claims)
}

func TestAuthenticate_StripsBearerPrefix(t *testing.T) {
	v := NewBearerValidator("s3cr3t")
	claims, err := Authenticate(context.Background(), v, "Bearer s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "bearer", claims.Subject)
}

func TestAuthenticate_RejectsMissingBearerPrefix(t *testing.T) {
	v := NewBearerValidator("s3cr3t")
	_, err := Authenticate(context.Background(), v, "s3cr3t")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestClaimsContext_RoundTrips(t *testing.T) {
	claims := &Claims{Subject: "alice"}
	ctx := ContextWithClaims(context.Background(), claims)
	assert.Equal(t, claims, ClaimsFromContext(ctx))
}
