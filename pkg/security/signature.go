package security

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
)

// SignDetached produces a detached CMS SignedData over content. The
// signer may be backed by a hardware token.
func SignDetached(content []byte, cert *x509.Certificate, signer crypto.Signer, chain ...*x509.Certificate) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(cert, signer, chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signed data: %w", err)
	}
	return der, nil
}

// VerifyDetached verifies a detached CMS signature over content and
// returns the signer certificate. Trust in the signer is not checked.
func VerifyDetached(signature, content []byte) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	p7.Content = content
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: expected exactly one signer", ErrInvalidSignature)
	}
	return signer, nil
}

// MessageVerifier verifies the detached signature of a message together
// with the revocation status of the signer certificate.
type MessageVerifier struct {
	trust TrustSource
	ocsp  *Verifier
	now   func() time.Time
}

// NewMessageVerifier creates a MessageVerifier
func NewMessageVerifier(trust TrustSource, ocsp *Verifier) *MessageVerifier {
	return &MessageVerifier{trust: trust, ocsp: ocsp, now: time.Now}
}

// Verify checks signature over content, the signer's chain and the
// signer's OCSP status using one of the embedded responses.
func (m *MessageVerifier) Verify(signature, content []byte, ocspResponses [][]byte) (*x509.Certificate, error) {
	if len(signature) == 0 {
		return nil, fmt.Errorf("%w: message is not signed", ErrInvalidSignature)
	}
	signer, err := VerifyDetached(signature, content)
	if err != nil {
		return nil, err
	}
	now := m.now()
	issuer, err := ValidateCertificate(signer, m.trust, now)
	if err != nil {
		return nil, err
	}
	if _, err := m.ocsp.VerifyAny(signer, issuer, ocspResponses, now); err != nil {
		return nil, err
	}
	return signer, nil
}

// IsSignatureError reports whether err concerns the signature or signer
// certificate rather than revocation status.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrCertificateUntrusted) ||
		errors.Is(err, ErrCertificateExpired) ||
		errors.Is(err, ErrCertificateNotYetValid)
}
