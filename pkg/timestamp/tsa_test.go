package timestamp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ts "github.com/digitorus/timestamp"
	"github.com/stretchr/testify/require"
)

// testTSA is an RFC 3161 responder backed by a generated certificate
type testTSA struct {
	*httptest.Server
	cert     *x509.Certificate
	key      *ecdsa.PrivateKey
	serial   atomic.Int64
	requests atomic.Int64
	// mutate may alter the token before it is signed
	mutate func(*ts.Timestamp)
	delay  time.Duration
}

func newTestTSA(t *testing.T) *testTSA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "Test TSA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	return startTSA(t, createCert(t, tmpl, tmpl, key, key), key)
}

// newTestCA returns a self-signed CA allowed to issue TSA certificates
func newTestCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test TSA Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	return createCert(t, tmpl, tmpl, key, key), key
}

// newIssuedTSA starts a responder with a certificate issued by ca for eku.
// Its tokens carry the CA certificate next to the signer.
func newIssuedTSA(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, eku x509.ExtKeyUsage) *testTSA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "Issued TSA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{eku},
	}
	tsa := startTSA(t, createCert(t, tmpl, ca, key, caKey), key)
	tsa.mutate = func(tok *ts.Timestamp) { tok.Certificates = []*x509.Certificate{ca} }
	return tsa
}

func createCert(t *testing.T, tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func startTSA(t *testing.T, cert *x509.Certificate, key *ecdsa.PrivateKey) *testTSA {
	t.Helper()
	tsa := &testTSA{cert: cert, key: key}
	tsa.Server = httptest.NewServer(http.HandlerFunc(tsa.handle))
	t.Cleanup(tsa.Close)
	return tsa
}

func (s *testTSA) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}
	if r.Header.Get("Content-Type") != ContentTypeQuery {
		http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := ts.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token := ts.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              time.Now().UTC(),
		Nonce:             req.Nonce,
		Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
		Accuracy:          time.Second,
		SerialNumber:      big.NewInt(s.serial.Add(1)),
		AddTSACertificate: true,
	}
	if s.mutate != nil {
		s.mutate(&token)
	}
	resp, err := token.CreateResponse(s.cert, s.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeReply)
	w.Write(resp)
}
