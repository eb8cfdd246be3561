package security

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when no trusted CA issued a certificate
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrInvalidSignature is returned when a detached signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNoResponse is returned when no OCSP response is cached for a certificate
	ErrNoResponse = errors.New("no OCSP response available")
)

// Status is the revocation status reported by an OCSP response
type Status int

const (
	// StatusGood means the certificate is not revoked
	StatusGood Status = iota
	// StatusRevoked means the certificate is revoked
	StatusRevoked
	// StatusUnknown means the responder does not know the certificate
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Failure reasons used in metrics and diagnostics
const (
	ReasonMalformed      = "malformed"
	ReasonCertIDMismatch = "cert_id_mismatch"
	ReasonBadSignature   = "bad_signature"
	ReasonUnauthorized   = "unauthorized_responder"
	ReasonTooOld         = "too_old"
	ReasonExpired        = "next_update_passed"
	ReasonRevoked        = "revoked"
	ReasonUnknown        = "unknown"
)

// IncorrectValidationInfo reports a structural, authorization or
// freshness problem with an OCSP response. Fetching a new response may
// resolve it.
type IncorrectValidationInfo struct {
	Reason string
	Detail string
	Err    error
}

func (e *IncorrectValidationInfo) Error() string {
	msg := "incorrect validation info: " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IncorrectValidationInfo) Unwrap() error {
	return e.Err
}

func incorrect(reason string, err error, format string, args ...any) *IncorrectValidationInfo {
	return &IncorrectValidationInfo{Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}

// CertValidationFailure reports an explicit revoked or unknown status.
// It is not retryable.
type CertValidationFailure struct {
	Serial    *big.Int
	Status    Status
	RevokedAt time.Time
	// RevocationReason is the CRL reason code, only set for revoked certificates
	RevocationReason int
}

func (e *CertValidationFailure) Error() string {
	if e.Status == StatusRevoked && !e.RevokedAt.IsZero() {
		return fmt.Sprintf("certificate %s is revoked since %s", e.Serial, e.RevokedAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("certificate %s status is %s", e.Serial, e.Status)
}

// IsRetryable reports whether err may be resolved by fetching a new OCSP
// response.
func IsRetryable(err error) bool {
	var ivi *IncorrectValidationInfo
	return errors.As(err, &ivi)
}
