package security

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

type testPKI struct {
	caKey *ecdsa.PrivateKey
	ca    *x509.Certificate

	leafKey *ecdsa.PrivateKey
	leaf    *x509.Certificate

	responderKey *ecdsa.PrivateKey
	responder    *x509.Certificate
}

var serialCounter int64 = 100

func nextSerial() *big.Int {
	serialCounter++
	return big.NewInt(serialCounter)
}

func generateTestCertificate(t *testing.T, tmpl *x509.Certificate, parent *x509.Certificate, parentKey crypto.Signer) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	if tmpl.SerialNumber == nil {
		tmpl.SerialNumber = nextSerial()
	}
	if tmpl.NotBefore.IsZero() {
		tmpl.NotBefore = time.Now().Add(-time.Hour)
	}
	if tmpl.NotAfter.IsZero() {
		tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	}
	if parent == nil {
		parent = tmpl
		parentKey = key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	p := &testPKI{}
	p.ca, p.caKey = generateTestCertificate(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test CA", Organization: []string{"SIROS"}},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}, nil, nil)
	p.leaf, p.leafKey = generateTestCertificate(t, &x509.Certificate{
		Subject:  pkix.Name{CommonName: "member-1 signing"},
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}, p.ca, p.caKey)
	p.responder, p.responderKey = generateTestCertificate(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "Test OCSP"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	}, p.ca, p.caKey)
	return p
}

// response creates an OCSP response for p.leaf. The template's
// Certificate field controls embedding of the responder certificate.
func (p *testPKI) response(t *testing.T, tmpl ocsp.Response, responder *x509.Certificate, key crypto.Signer) []byte {
	t.Helper()
	if tmpl.SerialNumber == nil {
		tmpl.SerialNumber = p.leaf.SerialNumber
	}
	if tmpl.ThisUpdate.IsZero() {
		tmpl.ThisUpdate = time.Now().Add(-time.Minute)
	}
	der, err := ocsp.CreateResponse(p.ca, responder, tmpl, key)
	require.NoError(t, err)
	return der
}

type staticTrust struct {
	cas        []*x509.Certificate
	responders map[string][]*x509.Certificate
	freshness  time.Duration
}

func newStaticTrust(freshness time.Duration, cas ...*x509.Certificate) *staticTrust {
	return &staticTrust{cas: cas, responders: map[string][]*x509.Certificate{}, freshness: freshness}
}

func (s *staticTrust) designate(ca, responder *x509.Certificate) {
	key := string(ca.Raw)
	s.responders[key] = append(s.responders[key], responder)
}

func (s *staticTrust) Issuer(cert *x509.Certificate) *x509.Certificate {
	for _, ca := range s.cas {
		if bytes.Equal(cert.RawIssuer, ca.RawSubject) && cert.CheckSignatureFrom(ca) == nil {
			return ca
		}
	}
	return nil
}

func (s *staticTrust) OCSPResponders(ca *x509.Certificate) []*x509.Certificate {
	return s.responders[string(ca.Raw)]
}

func (s *staticTrust) OCSPFreshness() time.Duration {
	return s.freshness
}
