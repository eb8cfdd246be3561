package globalconf

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

	"github.com/sirosfoundation/go-secgw/pkg/security"
)

var _ security.TrustSource = (*Registry)(nil)

type issued struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func issue(t *testing.T, cn string, parent *issued, isCA bool) *issued {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	parentCert, parentKey := tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &issued{cert: cert, key: key}
}

func writePEM(t *testing.T, path string, certs ...*x509.Certificate) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var data []byte
	for _, c := range certs {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeTrust(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
}

func TestRegistryInit(t *testing.T) {
	dir := t.TempDir()
	ca := issue(t, "Root CA", nil, true)
	other := issue(t, "Other CA", nil, true)
	responder := issue(t, "OCSP", ca, false)
	tsa := issue(t, "TSA", ca, false)
	leaf := issue(t, "member", ca, false)
	stranger := issue(t, "stranger", other, false)

	writePEM(t, filepath.Join(dir, "ca", "root.pem"), ca.cert)
	writePEM(t, filepath.Join(dir, "ocsp", "responder.pem"), responder.cert)
	writePEM(t, filepath.Join(dir, "tsa", "tsa.pem"), tsa.cert)
	writeTrust(t, dir, `
ocspFreshness: 15m
cas:
  - cert: ca/root.pem
    ocspResponders: [ocsp/responder.pem]
tsas: [tsa/tsa.pem]
`)

	r := New(Config{Dir: dir})
	assert.Nil(t, r.Issuer(leaf.cert))
	assert.Equal(t, 10*time.Minute, r.OCSPFreshness())

	require.NoError(t, r.Init())
	assert.True(t, r.Issuer(leaf.cert).Equal(ca.cert))
	assert.Nil(t, r.Issuer(stranger.cert))
	require.Len(t, r.OCSPResponders(ca.cert), 1)
	assert.True(t, r.OCSPResponders(ca.cert)[0].Equal(responder.cert))
	assert.Empty(t, r.OCSPResponders(other.cert))
	assert.Len(t, r.TSACertificates(), 1)
	assert.Len(t, r.CACertificates(), 1)
	assert.Equal(t, 15*time.Minute, r.OCSPFreshness())
	assert.False(t, r.LoadedAt().IsZero())
}

func TestRegistryReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	ca := issue(t, "Root CA", nil, true)
	writePEM(t, filepath.Join(dir, "ca.pem"), ca.cert)
	writeTrust(t, dir, "cas: [{cert: ca.pem}]\n")

	r := New(Config{Dir: dir, DefaultFreshness: 5 * time.Minute})
	require.NoError(t, r.Init())
	assert.Equal(t, 5*time.Minute, r.OCSPFreshness())

	writeTrust(t, dir, "cas: [{cert: missing.pem}]\n")
	require.Error(t, r.Reload())
	assert.Len(t, r.CACertificates(), 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), []byte("garbage"), 0o644))
	writeTrust(t, dir, "cas: [{cert: ca.pem}]\n")
	require.Error(t, r.Reload())
	assert.Len(t, r.CACertificates(), 1)
}

func TestRegistryWatch(t *testing.T) {
	dir := t.TempDir()
	ca := issue(t, "Root CA", nil, true)
	ca2 := issue(t, "Second CA", nil, true)
	writePEM(t, filepath.Join(dir, "certs", "ca.pem"), ca.cert)
	writePEM(t, filepath.Join(dir, "certs", "ca2.pem"), ca2.cert)
	writeTrust(t, dir, "cas: [{cert: certs/ca.pem}]\n")

	r := New(Config{Dir: dir, Debounce: 20 * time.Millisecond})
	assert.ErrorIs(t, r.Watch(context.Background()), ErrNotInitialized)
	require.NoError(t, r.Init())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx))
	defer r.Shutdown()

	writeTrust(t, dir, "cas: [{cert: certs/ca.pem}, {cert: certs/ca2.pem}]\n")
	assert.Eventually(t, func() bool {
		return len(r.CACertificates()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Shutdown())
}
