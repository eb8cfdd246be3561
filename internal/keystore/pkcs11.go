//go:build pkcs11

package keystore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/ThalesIgnite/crypto11"
)

// PKCS11Provider implements TokenProvider using a PKCS#11 token (HSM/smart card).
// Key IDs are matched against the CKA_LABEL of key pairs and certificates.
type PKCS11Provider struct {
	ctx     *crypto11.Context
	keyIDs  []string
	mu      sync.RWMutex
	signers map[string]crypto11.Signer
}

// PKCS11Config holds configuration for the PKCS#11 provider
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string

	// SlotID is the slot number to use (optional if SlotLabel is provided)
	SlotID *uint

	// SlotLabel is the token label to search for (optional if SlotID is provided)
	SlotLabel string

	// PIN is the user PIN for authentication
	PIN string

	// KeyIDs are the labels reported by ListTokens
	KeyIDs []string
}

// NewPKCS11Provider creates a new PKCS#11 token provider
func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	if cfg.PIN == "" {
		return nil, ErrPINRequired
	}
	config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}

	if cfg.SlotID != nil {
		slotID := int(*cfg.SlotID)
		config.SlotNumber = &slotID
	}
	if cfg.SlotLabel != "" {
		config.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	return &PKCS11Provider{
		ctx:     ctx,
		keyIDs:  cfg.KeyIDs,
		signers: make(map[string]crypto11.Signer),
	}, nil
}

// Sign signs digest with the token key
func (p *PKCS11Provider) Sign(ctx context.Context, keyID string, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s, err := p.signer(keyID)
	if err != nil {
		return nil, err
	}
	return s.Sign(rand.Reader, digest, opts)
}

// Signer returns the token key as a crypto.Signer
func (p *PKCS11Provider) Signer(ctx context.Context, keyID string) (crypto.Signer, error) {
	return p.signer(keyID)
}

// PublicKey returns the public key of keyID
func (p *PKCS11Provider) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	s, err := p.signer(keyID)
	if err != nil {
		return nil, err
	}
	return s.Public(), nil
}

// Certificate returns the certificate stored on the token under keyID
func (p *PKCS11Provider) Certificate(ctx context.Context, keyID string) ([]*x509.Certificate, error) {
	cert, err := p.ctx.FindCertificate(nil, []byte(keyID), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return []*x509.Certificate{cert}, nil
}

// ListTokens returns the configured keys that exist on the token
func (p *PKCS11Provider) ListTokens(ctx context.Context) ([]KeyInfo, error) {
	var keys []KeyInfo
	for _, id := range p.keyIDs {
		chain, err := p.Certificate(ctx, id)
		if err != nil {
			continue
		}
		keys = append(keys, keyInfo(id, chain[0]))
	}
	return keys, nil
}

// Close releases PKCS#11 resources
func (p *PKCS11Provider) Close() error {
	return p.ctx.Close()
}

func (p *PKCS11Provider) signer(keyID string) (crypto11.Signer, error) {
	// Check cache first
	p.mu.RLock()
	s, ok := p.signers[keyID]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := p.ctx.FindKeyPair(nil, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	p.mu.Lock()
	p.signers[keyID] = s
	p.mu.Unlock()
	return s, nil
}
