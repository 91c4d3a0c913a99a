package jwtverify

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pggate/pggate/auth"
	"github.com/pggate/pggate/providers"
)

const testConfig = `
providers:
  default:
    applications:
      web:
        client_id: web-client
        client_secret: web-secret
        issuers: ["https://accounts.example.com"]
`

func newVerifier(t *testing.T, rsaKid string, rsaKey *rsa.PrivateKey, opts ...Option) *Verifier {
	t.Helper()

	dir := t.TempDir()
	keyDir := filepath.Join(dir, "certs")
	if err := os.Mkdir(keyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if rsaKey != nil {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: rsaKey.Public(), KeyID: rsaKid, Algorithm: "RS256", Use: "sig",
		}}}
		raw, err := json.Marshal(set)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(keyDir, "default"), raw, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "providers.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := providers.NewRegistry(context.Background(), path, providers.WithKeyDir(keyDir))
	if err != nil {
		t.Fatal(err)
	}
	return New(reg.Snapshot, opts...)
}

func claims(overrides map[string]any) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss": "https://accounts.example.com",
		"aud": "web-client",
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		c[k] = v
	}
	return c
}

func signHS(t *testing.T, method jwt.SigningMethod, c jwt.MapClaims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestVerifyHS256FastPath(t *testing.T) {
	v := newVerifier(t, "", nil)
	tok := signHS(t, jwt.SigningMethodHS256, claims(nil), "web-secret")

	got, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != tok {
		t.Fatal("primary-algorithm token must be accepted as-is")
	}
}

func TestVerifyAlteredSignature(t *testing.T) {
	v := newVerifier(t, "", nil)
	tok := signHS(t, jwt.SigningMethodHS256, claims(nil), "web-secret")

	b := []byte(tok)
	last := len(b) - 1
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}

	if _, err := v.Verify(string(b)); !errors.Is(err, auth.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	v := newVerifier(t, "", nil, WithLogger(log))

	tok := signHS(t, jwt.SigningMethodHS256, claims(nil), "wrong-secret")
	if _, err := v.Verify(tok); !errors.Is(err, auth.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}

	if !strings.Contains(buf.String(), "auth.check.fail") {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}

func TestVerifyUnknownAudience(t *testing.T) {
	v := newVerifier(t, "", nil)
	tok := signHS(t, jwt.SigningMethodHS256, claims(map[string]any{"aud": "stranger"}), "web-secret")

	if _, err := v.Verify(tok); !errors.Is(err, auth.ErrUnknownProvider) {
		t.Fatalf("want ErrUnknownProvider, got %v", err)
	}
}

func TestVerifyUntrustedIssuer(t *testing.T) {
	v := newVerifier(t, "", nil)
	tok := signHS(t, jwt.SigningMethodHS256, claims(map[string]any{"iss": "https://evil.example.com"}), "web-secret")

	if _, err := v.Verify(tok); !errors.Is(err, auth.ErrUntrustedIssuer) {
		t.Fatalf("want ErrUntrustedIssuer, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	v := newVerifier(t, "", nil)
	tok := signHS(t, jwt.SigningMethodHS256, claims(map[string]any{
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}), "web-secret")

	if _, err := v.Verify(tok); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRS256ReissuesCanonical(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	v := newVerifier(t, "kid-1", priv)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims(nil))
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	got, err := v.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got == signed {
		t.Fatal("asymmetric token must be re-issued, not passed through")
	}

	// The canonical token verifies under the shared secret and carries the
	// original payload.
	out := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(got, out, func(tok *jwt.Token) (any, error) {
		if tok.Method.Alg() != "HS256" {
			return nil, errors.New("not canonical")
		}
		return []byte("web-secret"), nil
	}); err != nil {
		t.Fatalf("canonical token rejected: %v", err)
	}
	if out["sub"] != "user-1" {
		t.Fatalf("payload not carried over: %v", out)
	}
}

func TestVerifyUnknownSigningKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	v := newVerifier(t, "kid-1", priv)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims(nil))
	tok.Header["kid"] = "kid-unknown"
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(signed); !errors.Is(err, auth.ErrUnknownSigningKey) {
		t.Fatalf("want ErrUnknownSigningKey, got %v", err)
	}
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	v := newVerifier(t, "", nil)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims(nil))
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(signed); !errors.Is(err, auth.ErrUnsupportedAlgorithm) {
		t.Fatalf("want ErrUnsupportedAlgorithm, got %v", err)
	}
}
