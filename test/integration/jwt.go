package integration

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/procflow/internal/config"
)

// tokenIssuer signs HS256 tokens the server under test accepts.
type tokenIssuer struct {
	t        *testing.T
	secret   []byte
	identity config.IdentityConfig
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	return &tokenIssuer{
		t:      t,
		secret: []byte("integration-secret-0123456789abcdef"),
		identity: config.IdentityConfig{
			Issuer:    "https://auth.test.procflow.dev",
			Audience:  "procflow-test",
			SecretEnv: "PROCFLOW_INTEGRATION_SECRET",
		},
	}
}

// GenerateToken creates a valid token for user.
func (ti *tokenIssuer) GenerateToken(user string) string {
	return ti.sign(user, time.Now(), time.Hour)
}

// GenerateExpiredToken creates a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(user string) string {
	return ti.sign(user, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) sign(user string, issuedAt time.Time, ttl time.Duration) string {
	ti.t.Helper()
	claims := jwt.MapClaims{
		"iss": ti.identity.Issuer,
		"aud": ti.identity.Audience,
		"sub": user,
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		ti.t.Fatalf("sign JWT: %v", err)
	}
	return signed
}
