// Package auth authenticates bearer tokens against the configured token
// table and, optionally, validates Ed25519-signed JWTs.
//
// Plain tokens are compared in constant time over SHA-256 digests so the
// comparison cost does not depend on where the first mismatching byte is.
// Hashed tokens (values prefixed "argon2:") are verified with Argon2id.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no configured token matches.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

const argonPrefix = "argon2:"

type tokenEntry struct {
	agent  string
	digest [32]byte // SHA-256 of the plain token
	hashed string   // Argon2id encoded form, when prefixed
}

// Authenticator resolves bearer tokens to agent ids.
type Authenticator struct {
	enabled bool
	tokens  []tokenEntry
	jwtKey  ed25519.PublicKey // nil when JWT mode is off
}

// Entry is one configured agent/token pair.
type Entry struct {
	Agent string
	Token string
}

// New builds an Authenticator from the configured token table. Token values
// prefixed "argon2:" are treated as pre-hashed; everything else is a plain
// shared secret. jwtPublicKeyPath, when non-empty, additionally enables JWT
// bearer validation against the Ed25519 public key in that PEM file.
func New(enabled bool, entries []Entry, jwtPublicKeyPath string) (*Authenticator, error) {
	a := &Authenticator{enabled: enabled}

	for _, e := range entries {
		te := tokenEntry{agent: e.Agent}
		if strings.HasPrefix(e.Token, argonPrefix) {
			te.hashed = strings.TrimPrefix(e.Token, argonPrefix)
		} else {
			te.digest = sha256.Sum256([]byte(e.Token))
		}
		a.tokens = append(a.tokens, te)
	}

	if jwtPublicKeyPath != "" {
		key, err := loadEd25519PublicKey(jwtPublicKeyPath)
		if err != nil {
			return nil, err
		}
		a.jwtKey = key
	}

	return a, nil
}

// Enabled reports whether authentication is enforced.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Authenticate resolves a bearer token to an agent id.
// Every configured entry is checked, regardless of early matches, so the
// total comparison work is independent of the token's position in the table.
func (a *Authenticator) Authenticate(token string) (string, error) {
	if !a.enabled {
		return "anonymous", nil
	}
	if token == "" {
		return "", ErrUnauthenticated
	}

	digest := sha256.Sum256([]byte(token))
	agent := ""
	matched := 0
	sawHashed := false

	for _, te := range a.tokens {
		if te.hashed != "" {
			sawHashed = true
			ok, err := VerifyToken(token, te.hashed)
			if err == nil && ok {
				matched |= 1
				agent = te.agent
			}
			continue
		}
		if subtle.ConstantTimeCompare(digest[:], te.digest[:]) == 1 {
			matched |= 1
			agent = te.agent
		}
	}

	if matched == 1 {
		return agent, nil
	}

	if a.jwtKey != nil {
		if id, err := a.validateJWT(token); err == nil {
			return id, nil
		}
	}

	// Equalize timing on the miss path when no Argon2 hash was computed.
	if !sawHashed {
		DummyVerify()
	}
	return "", ErrUnauthenticated
}

// Claims carries the agent identity of a JWT bearer.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
}

func (a *Authenticator) validateJWT(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return a.jwtKey, nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if claims.AgentID == "" {
		return "", fmt.Errorf("auth: token missing agent_id claim")
	}
	return claims.AgentID, nil
}

func loadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	pubPEM, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return edPub, nil
}
