package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileProvider implements TokenProvider using PEM files on disk.
//
// Key files are expected at: {keyDir}/{keyID}.key
// Certificate files at: {keyDir}/{keyID}.crt, leaf first, optionally
// followed by intermediates.
type FileProvider struct {
	keyDir string
	mu     sync.RWMutex
	keys   map[string]*fileKey
}

type fileKey struct {
	signer crypto.Signer
	chain  []*x509.Certificate
}

// NewFileProvider creates a new file-based token provider
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}

	return &FileProvider{
		keyDir: keyDir,
		keys:   make(map[string]*fileKey),
	}, nil
}

// Sign signs digest with the key
func (p *FileProvider) Sign(ctx context.Context, keyID string, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k, err := p.key(keyID)
	if err != nil {
		return nil, err
	}
	return k.signer.Sign(rand.Reader, digest, opts)
}

// Signer returns the private key of keyID as a crypto.Signer
func (p *FileProvider) Signer(ctx context.Context, keyID string) (crypto.Signer, error) {
	k, err := p.key(keyID)
	if err != nil {
		return nil, err
	}
	return k.signer, nil
}

// PublicKey returns the public key of keyID
func (p *FileProvider) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	k, err := p.key(keyID)
	if err != nil {
		return nil, err
	}
	return k.signer.Public(), nil
}

// Certificate returns the certificate chain stored for keyID
func (p *FileProvider) Certificate(ctx context.Context, keyID string) ([]*x509.Certificate, error) {
	k, err := p.key(keyID)
	if err != nil {
		return nil, err
	}
	return k.chain, nil
}

// ListTokens returns all keys in the directory that have a certificate
func (p *FileProvider) ListTokens(ctx context.Context) ([]KeyInfo, error) {
	entries, err := os.ReadDir(p.keyDir)
	if err != nil {
		return nil, fmt.Errorf("reading key directory: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".key" {
			continue
		}
		keyID := strings.TrimSuffix(entry.Name(), ".key")

		chain, err := loadCertificates(filepath.Join(p.keyDir, keyID+".crt"))
		if err != nil {
			continue // Skip keys without certificates
		}
		keys = append(keys, keyInfo(keyID, chain[0]))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

// Close drops cached keys
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[string]*fileKey)
	return nil
}

func (p *FileProvider) key(keyID string) (*fileKey, error) {
	if keyID == "" || strings.ContainsAny(keyID, `/\`) || keyID == "." || keyID == ".." {
		return nil, fmt.Errorf("%w: invalid key id %q", ErrKeyNotFound, keyID)
	}

	// Check cache first
	p.mu.RLock()
	k, ok := p.keys[keyID]
	p.mu.RUnlock()
	if ok {
		return k, nil
	}

	k, err := p.load(keyID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.keys[keyID] = k
	p.mu.Unlock()
	return k, nil
}

func (p *FileProvider) load(keyID string) (*fileKey, error) {
	keyPEM, err := os.ReadFile(filepath.Join(p.keyDir, keyID+".key"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	chain, err := loadCertificates(filepath.Join(p.keyDir, keyID+".crt"))
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	if !publicKeysEqual(signer.Public(), chain[0].PublicKey) {
		return nil, fmt.Errorf("certificate of key %s does not match the private key", keyID)
	}

	return &fileKey{signer: signer, chain: chain}, nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}

	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return chain, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func keyInfo(keyID string, cert *x509.Certificate) KeyInfo {
	return KeyInfo{
		KeyID:              keyID,
		Label:              keyID,
		Algorithm:          keyAlgorithmName(cert.PublicKey),
		KeySize:            keySize(cert.PublicKey),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		CertificateSubject: cert.Subject.String(),
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}
