package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testProject = "authcore-test"

// testSigner plays the identity provider: it owns an RSA key, publishes it
// as a self-signed certificate and mints ID tokens.
type testSigner struct {
	kid     string
	key     *rsa.PrivateKey
	certPEM string
}

func newTestSigner(t *testing.T, kid string) *testSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken.system.gserviceaccount.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	return &testSigner{
		kid:     kid,
		key:     key,
		certPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

// claims returns a valid ID token payload issued at now.
func (s *testSigner) claims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       "https://securetoken.google.com/" + testProject,
		"aud":       testProject,
		"sub":       "u1",
		"iat":       now.Add(-time.Minute).Unix(),
		"auth_time": now.Add(-time.Minute).Unix(),
		"exp":       now.Add(time.Hour).Unix(),
		"email":     "Alice@Example.com",
		"name":      "Alice",
		"picture":   "https://example.com/a.png",
		"firebase":  map[string]any{"sign_in_provider": "google.com"},
	}
}

func (s *testSigner) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func (s *testSigner) keys() StaticKeySource {
	return StaticKeySource{s.kid: &s.key.PublicKey}
}

func pkcs1PEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}
