package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-secgw/internal/config"
)

func writeTestKey(t *testing.T, dir, keyID string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: keyID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyID+".key"),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyID+".crt"),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	return cert
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	cert := writeTestKey(t, dir, "signing")
	writeTestKey(t, dir, "archive")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.key"), []byte("x"), 0o600))

	p, err := NewFileProvider(dir)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	tokens, err := p.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "archive", tokens[0].KeyID)
	assert.Equal(t, "signing", tokens[1].KeyID)
	assert.Equal(t, "EC", tokens[1].Algorithm)
	assert.Equal(t, 256, tokens[1].KeySize)

	chain, err := p.Certificate(ctx, "signing")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.True(t, chain[0].Equal(cert))

	pub, err := p.PublicKey(ctx, "signing")
	require.NoError(t, err)
	assert.True(t, pub.(*ecdsa.PublicKey).Equal(cert.PublicKey))

	digest := sha256.Sum256([]byte("manifest"))
	sig, err := p.Sign(ctx, "signing", digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig))

	signer, err := p.Signer(ctx, "signing")
	require.NoError(t, err)
	assert.True(t, signer.Public().(*ecdsa.PublicKey).Equal(cert.PublicKey))
}

func TestFileProviderErrors(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Signer(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = p.Signer(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Certificate of a different key
	writeTestKey(t, dir, "a")
	writeTestKey(t, dir, "b")
	require.NoError(t, os.Rename(filepath.Join(dir, "b.crt"), filepath.Join(dir, "a.crt")))
	_, err = p.Signer(ctx, "a")
	assert.ErrorContains(t, err, "does not match")

	_, err = NewFileProvider(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	dir := t.TempDir()
	p, err := NewProvider(&config.SigningConfig{Mode: config.SigningFile, File: config.FileKeyConfig{KeyDir: dir}})
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)

	_, err = NewProvider(&config.SigningConfig{Mode: "prf"})
	assert.Error(t, err)
}
