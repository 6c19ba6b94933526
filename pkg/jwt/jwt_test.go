package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMAC_RoundTrip(t *testing.T) {
	m := NewHMACManager([]byte("secret"), "relay", time.Minute, 0)

	token, exp, err := m.GenerateToken("alice")
	require.NoError(t, err)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestHMAC_WrongSecret(t *testing.T) {
	token, _, err := NewHMACManager([]byte("a"), "", time.Minute, 0).GenerateToken("alice")
	require.NoError(t, err)

	_, err = NewHMACManager([]byte("b"), "", time.Minute, 0).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_IssuerMismatch(t *testing.T) {
	token, _, err := NewHMACManager([]byte("s"), "other", time.Minute, 0).GenerateToken("alice")
	require.NoError(t, err)

	_, err = NewHMACManager([]byte("s"), "relay", time.Minute, 0).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_Expired(t *testing.T) {
	secret := []byte("s")
	claims := &Claims{RegisteredClaims: gojwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: gojwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewHMACManager(secret, "", time.Minute, 0).ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidate_MissingSubject(t *testing.T) {
	secret := []byte("s")
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, &Claims{}).SignedString(secret)
	require.NoError(t, err)

	_, err = NewHMACManager(secret, "", time.Minute, 0).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRSA_FromPEMFiles(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	privDER := x509.MarshalPKCS1PrivateKey(key)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER}), 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	signer, err := NewManager(Config{PublicKeyPath: pubPath, PrivateKeyPath: privPath, Issuer: "relay"})
	require.NoError(t, err)
	token, _, err := signer.GenerateToken("bob")
	require.NoError(t, err)

	verifier, err := NewManager(Config{PublicKeyPath: pubPath, Issuer: "relay"})
	require.NoError(t, err)
	claims, err := verifier.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)

	_, _, err = verifier.GenerateToken("bob")
	assert.ErrorIs(t, err, ErrNoSigningKey)

	// HS256 tokens must not pass an RS256 verifier.
	hsToken, _, err := NewHMACManager([]byte("s"), "relay", time.Minute, 0).GenerateToken("bob")
	require.NoError(t, err)
	_, err = verifier.ValidateToken(hsToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewManager_RequiresKeyMaterial(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}
