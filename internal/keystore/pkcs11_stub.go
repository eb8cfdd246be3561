//go:build !pkcs11

package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
)

// PKCS11Provider is a stub that returns an error when PKCS#11 support is not compiled in.
type PKCS11Provider struct{}

// PKCS11Config holds configuration for the PKCS#11 provider
type PKCS11Config struct {
	ModulePath string
	SlotID     *uint
	SlotLabel  string
	PIN        string
	KeyIDs     []string
}

// ErrPKCS11NotSupported is returned when PKCS#11 operations are attempted
// but the binary was not compiled with PKCS#11 support.
var ErrPKCS11NotSupported = errors.New("PKCS#11 support not compiled in (build with -tags pkcs11)")

// NewPKCS11Provider returns an error because PKCS#11 is not compiled in.
func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) Sign(context.Context, string, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) Signer(context.Context, string) (crypto.Signer, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) PublicKey(context.Context, string) (crypto.PublicKey, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) Certificate(context.Context, string) ([]*x509.Certificate, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) ListTokens(context.Context) ([]KeyInfo, error) {
	return nil, ErrPKCS11NotSupported
}

// Close is a no-op.
func (p *PKCS11Provider) Close() error {
	return nil
}
