// Package keystore provides the signing capability of the gateway.
//
// A TokenProvider exposes signing keys held by a backend:
//
//   - PKCS#11: Keys stored in hardware security modules (HSM) or smart cards
//   - File-based: Keys loaded from PEM files
//
// Keys are addressed by key ID. The private key never leaves the provider;
// callers obtain a crypto.Signer bound to a key ID and hand it to the CMS
// signing code.
package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"time"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrKeyLocked   = errors.New("signing key is locked")
	ErrPINRequired = errors.New("PIN required to unlock key")
)

// TokenProvider provides signing operations over keys identified by key ID.
//
// Implementations must be safe for concurrent use.
type TokenProvider interface {
	// Sign signs digest with the key. opts selects the hash and padding.
	Sign(ctx context.Context, keyID string, digest []byte, opts crypto.SignerOpts) ([]byte, error)

	// ListTokens returns the keys available from this provider.
	ListTokens(ctx context.Context) ([]KeyInfo, error)

	// PublicKey returns the public key of keyID.
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error)

	// Certificate returns the certificate of keyID followed by any
	// intermediate certificates stored with it.
	Certificate(ctx context.Context, keyID string) ([]*x509.Certificate, error)

	// Signer returns a crypto.Signer bound to keyID.
	Signer(ctx context.Context, keyID string) (crypto.Signer, error)

	// Close releases any resources held by the provider.
	Close() error
}

// KeyInfo describes a signing key
type KeyInfo struct {
	// KeyID is the unique identifier for this key within the provider
	KeyID string

	// Label is a human-readable name for the key
	Label string

	// Algorithm is the key algorithm (e.g., "RSA", "EC", "Ed25519")
	Algorithm string

	// KeySize is the key size in bits (e.g., 2048 for RSA, 256 for P-256)
	KeySize int

	// NotBefore is when the associated certificate becomes valid
	NotBefore time.Time

	// NotAfter is when the associated certificate expires
	NotAfter time.Time

	// CertificateSubject is the subject DN of the certificate
	CertificateSubject string
}
