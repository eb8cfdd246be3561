package security

import (
	"crypto/x509"
	"fmt"
	"time"
)

// ValidateCertificate checks the validity period of cert at now and that
// it was issued by a CA of the trust source. It returns the issuer.
func ValidateCertificate(cert *x509.Certificate, trust TrustSource, now time.Time) (*x509.Certificate, error) {
	if now.Before(cert.NotBefore) {
		return nil, ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return nil, ErrCertificateExpired
	}

	issuer := trust.Issuer(cert)
	if issuer == nil {
		return nil, fmt.Errorf("%w: no trusted issuer for %s", ErrCertificateUntrusted, cert.Subject)
	}
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return issuer, nil
}
