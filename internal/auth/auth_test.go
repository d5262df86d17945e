package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/auth"
)

func TestAuthenticatePlainToken(t *testing.T) {
	a, err := auth.New(true, []auth.Entry{
		{Agent: "planner", Token: "tok-planner"},
		{Agent: "builder", Token: "tok-builder"},
	}, "")
	require.NoError(t, err)

	agent, err := a.Authenticate("tok-builder")
	require.NoError(t, err)
	assert.Equal(t, "builder", agent)

	_, err = a.Authenticate("tok-wrong")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestAuthenticateDisabled(t *testing.T) {
	a, err := auth.New(false, nil, "")
	require.NoError(t, err)

	agent, err := a.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", agent)
}

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := auth.HashToken("test-token-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyToken("test-token-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyToken("wrong-token", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestAuthenticateHashedToken(t *testing.T) {
	hash, err := auth.HashToken("super-secret")
	require.NoError(t, err)

	a, err := auth.New(true, []auth.Entry{
		{Agent: "reviewer", Token: "argon2:" + hash},
	}, "")
	require.NoError(t, err)

	agent, err := a.Authenticate("super-secret")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", agent)

	_, err = a.Authenticate("not-it")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestAuthenticateJWT(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "jwt.pub.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{
		Type: "PUBLIC KEY", Bytes: der,
	}), 0o600))

	a, err := auth.New(true, nil, keyPath)
	require.NoError(t, err)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AgentID: "jwt-agent",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)

	agent, err := a.Authenticate(signed)
	require.NoError(t, err)
	assert.Equal(t, "jwt-agent", agent)

	_, err = a.Authenticate("garbage-token")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}
