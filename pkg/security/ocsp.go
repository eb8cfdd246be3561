package security

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/ocsp"
)

// TrustSource is the read-only view of trusted certificates and
// verification parameters distributed with the global configuration.
type TrustSource interface {
	// Issuer returns the trusted CA certificate that issued cert, or nil.
	Issuer(cert *x509.Certificate) *x509.Certificate
	// OCSPResponders returns the responders explicitly designated for ca.
	OCSPResponders(ca *x509.Certificate) []*x509.Certificate
	// OCSPFreshness is the maximum accepted age of thisUpdate.
	OCSPFreshness() time.Duration
}

// VerifierConfig configures a Verifier
type VerifierConfig struct {
	Trust TrustSource
	// Registerer receives the failure counter. Nil disables metrics.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Verifier checks the revocation status of a certificate against a
// previously obtained OCSP response.
type Verifier struct {
	trust  TrustSource
	logger *slog.Logger

	failuresMetric *prometheus.CounterVec

	mu       sync.Mutex
	failures map[string]uint64
}

// NewVerifier creates a Verifier
func NewVerifier(cfg VerifierConfig) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		trust:    cfg.Trust,
		logger:   logger,
		failures: make(map[string]uint64),
	}
	if cfg.Registerer != nil {
		v.failuresMetric = promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "secgw_ocsp_verification_failures_total",
			Help: "OCSP response verification failures by reason.",
		}, []string{"reason"})
	}
	return v
}

// Result describes a successfully verified response
type Result struct {
	Responder  *x509.Certificate
	ProducedAt time.Time
	ThisUpdate time.Time
	NextUpdate time.Time
}

// Verify authenticates der as an OCSP response for cert issued by issuer
// and checks that it reports the good status at now. It returns
// *IncorrectValidationInfo or *CertValidationFailure on failure.
//
// The checks run in a fixed order: certificate id, response signature,
// responder authorization, freshness, nextUpdate, status. The first
// failing check determines the error.
func (v *Verifier) Verify(cert, issuer *x509.Certificate, der []byte, now time.Time) (*Result, error) {
	res, err := v.verify(cert, issuer, der, now)
	if err != nil {
		v.recordFailure(cert, err)
		return nil, err
	}
	return res, nil
}

// VerifyAny verifies cert against the first of responses whose
// certificate id refers to it.
func (v *Verifier) VerifyAny(cert, issuer *x509.Certificate, responses [][]byte, now time.Time) (*Result, error) {
	for _, der := range responses {
		ids, err := parseCertIDs(der)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if id.matches(cert, issuer) {
				return v.Verify(cert, issuer, der, now)
			}
		}
	}
	err := incorrect(ReasonCertIDMismatch, nil, "no OCSP response for certificate %s", cert.SerialNumber)
	v.recordFailure(cert, err)
	return nil, err
}

func (v *Verifier) verify(cert, issuer *x509.Certificate, der []byte, now time.Time) (*Result, error) {
	if cert == nil || issuer == nil {
		return nil, incorrect(ReasonMalformed, nil, "certificate and issuer are required")
	}

	// 1. certificate id
	ids, err := parseCertIDs(der)
	if err != nil {
		return nil, incorrect(ReasonMalformed, err, "failed to parse OCSP response")
	}
	matched := false
	for _, id := range ids {
		if id.matches(cert, issuer) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, incorrect(ReasonCertIDMismatch, nil, "OCSP response does not refer to certificate %s", cert.SerialNumber)
	}

	// 2. signature. An embedded responder certificate is checked while
	// parsing; without one the responder is looked up by responder id.
	resp, err := ocsp.ParseResponseForCert(der, cert, nil)
	if err != nil {
		return nil, incorrect(ReasonBadSignature, err, "invalid OCSP response")
	}
	responder := resp.Certificate
	if responder == nil {
		responder = v.findResponder(resp, issuer)
		if responder == nil {
			return nil, incorrect(ReasonBadSignature, nil, "OCSP responder certificate not found")
		}
		if err := resp.CheckSignatureFrom(responder); err != nil {
			return nil, incorrect(ReasonBadSignature, err, "OCSP response signature does not verify")
		}
	}

	// 3. recipient binding needs the original request, which is not kept.

	// 4. responder authorization
	if !v.authorized(responder, issuer) {
		return nil, incorrect(ReasonUnauthorized, nil, "OCSP responder %s is not authorized for %s",
			responder.Subject, issuer.Subject)
	}

	// 5. freshness
	freshness := v.trust.OCSPFreshness()
	if resp.ThisUpdate.Before(now.Add(-freshness)) {
		return nil, incorrect(ReasonTooOld, nil, "OCSP response is too old (thisUpdate %s, freshness %s)",
			resp.ThisUpdate.UTC().Format(time.RFC3339), freshness)
	}

	// 6. nextUpdate
	if !resp.NextUpdate.IsZero() && resp.NextUpdate.Before(now) {
		return nil, incorrect(ReasonExpired, nil, "OCSP response nextUpdate %s has passed",
			resp.NextUpdate.UTC().Format(time.RFC3339))
	}

	// 7. status
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		return nil, &CertValidationFailure{
			Serial:           cert.SerialNumber,
			Status:           StatusRevoked,
			RevokedAt:        resp.RevokedAt,
			RevocationReason: resp.RevocationReason,
		}
	default:
		return nil, &CertValidationFailure{Serial: cert.SerialNumber, Status: StatusUnknown}
	}

	return &Result{
		Responder:  responder,
		ProducedAt: resp.ProducedAt,
		ThisUpdate: resp.ThisUpdate,
		NextUpdate: resp.NextUpdate,
	}, nil
}

// findResponder matches the response's responder id against the
// designated responders of issuer and issuer itself.
func (v *Verifier) findResponder(resp *ocsp.Response, issuer *x509.Certificate) *x509.Certificate {
	candidates := append([]*x509.Certificate{}, v.trust.OCSPResponders(issuer)...)
	candidates = append(candidates, issuer)
	for _, c := range candidates {
		if len(resp.RawResponderName) > 0 && bytes.Equal(resp.RawResponderName, c.RawSubject) {
			return c
		}
		if len(resp.ResponderKeyHash) > 0 {
			keyHash, err := publicKeyHash(c, crypto.SHA1)
			if err == nil && bytes.Equal(resp.ResponderKeyHash, keyHash) {
				return c
			}
		}
	}
	return nil
}

func (v *Verifier) authorized(responder, issuer *x509.Certificate) bool {
	for _, designated := range v.trust.OCSPResponders(issuer) {
		if designated.Equal(responder) {
			return true
		}
	}
	if responder.Equal(issuer) {
		return true
	}
	if responder.CheckSignatureFrom(issuer) != nil {
		return false
	}
	for _, eku := range responder.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	return false
}

func (v *Verifier) recordFailure(cert *x509.Certificate, err error) {
	reason := failureReason(err)
	v.mu.Lock()
	v.failures[reason]++
	v.mu.Unlock()
	if v.failuresMetric != nil {
		v.failuresMetric.WithLabelValues(reason).Inc()
	}
	attrs := []any{"reason", reason, "error", err}
	if cert != nil {
		attrs = append(attrs, "serial", cert.SerialNumber.String())
	}
	v.logger.Warn("OCSP verification failed", attrs...)
}

// FailureCount is one entry of Counters
type FailureCount struct {
	Reason string `json:"reason"`
	Count  uint64 `json:"count"`
}

// Counters returns the verification failure counters sorted by reason
func (v *Verifier) Counters() []FailureCount {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]FailureCount, 0, len(v.failures))
	for reason, n := range v.failures {
		out = append(out, FailureCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out
}

func failureReason(err error) string {
	switch e := err.(type) {
	case *IncorrectValidationInfo:
		return e.Reason
	case *CertValidationFailure:
		if e.Status == StatusRevoked {
			return ReasonRevoked
		}
		return ReasonUnknown
	default:
		return ReasonMalformed
	}
}

// ASN.1 structures of RFC 6960 needed to read the certificate ids before
// any other processing. Trailing fields are ignored by encoding/asn1.
type ocspResponseASN1 struct {
	Status   asn1.Enumerated
	Response responseBytesASN1 `asn1:"explicit,tag:0,optional"`
}

type responseBytesASN1 struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicResponseASN1 struct {
	TBSResponseData responseDataASN1
}

type responseDataASN1 struct {
	Version        int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID asn1.RawValue
	ProducedAt     time.Time `asn1:"generalized"`
	Responses      []singleResponseASN1
}

type singleResponseASN1 struct {
	CertID certID
}

type certID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

var (
	oidBasicResponse = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}

	hashOIDs = map[string]crypto.Hash{
		"1.3.14.3.2.26":          crypto.SHA1,
		"2.16.840.1.101.3.4.2.1": crypto.SHA256,
		"2.16.840.1.101.3.4.2.2": crypto.SHA384,
		"2.16.840.1.101.3.4.2.3": crypto.SHA512,
	}
)

func parseCertIDs(der []byte) ([]certID, error) {
	var resp ocspResponseASN1
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, asn1.SyntaxError{Msg: "trailing data after OCSP response"}
	}
	if resp.Status != asn1.Enumerated(ocsp.Success) {
		return nil, ocsp.ResponseError{Status: ocsp.ResponseStatus(resp.Status)}
	}
	if !resp.Response.ResponseType.Equal(oidBasicResponse) {
		return nil, asn1.StructuralError{Msg: "unsupported OCSP response type"}
	}
	var basic basicResponseASN1
	if _, err := asn1.Unmarshal(resp.Response.Response, &basic); err != nil {
		return nil, err
	}
	ids := make([]certID, 0, len(basic.TBSResponseData.Responses))
	for _, r := range basic.TBSResponseData.Responses {
		ids = append(ids, r.CertID)
	}
	return ids, nil
}

// matches reports whether id names cert as issued by issuer
func (id certID) matches(cert, issuer *x509.Certificate) bool {
	if id.SerialNumber == nil || id.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return false
	}
	h, ok := hashOIDs[id.HashAlgorithm.Algorithm.String()]
	if !ok || !h.Available() {
		return false
	}
	nameHash := h.New()
	nameHash.Write(issuer.RawSubject)
	if !bytes.Equal(nameHash.Sum(nil), id.NameHash) {
		return false
	}
	keyHash, err := publicKeyHash(issuer, h)
	if err != nil {
		return false
	}
	return bytes.Equal(keyHash, id.IssuerKeyHash)
}

// publicKeyHash hashes the subjectPublicKey BIT STRING of cert
func publicKeyHash(cert *x509.Certificate, h crypto.Hash) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, err
	}
	hash := h.New()
	hash.Write(spki.PublicKey.RightAlign())
	return hash.Sum(nil), nil
}
