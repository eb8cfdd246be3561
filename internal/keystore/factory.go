package keystore

import (
	"fmt"

	"github.com/sirosfoundation/go-secgw/internal/config"
)

// NewProvider creates a TokenProvider based on the configuration
func NewProvider(cfg *config.SigningConfig) (TokenProvider, error) {
	switch cfg.Mode {
	case config.SigningPKCS11:
		return newPKCS11Provider(cfg)
	case config.SigningFile:
		return newFileProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown signing mode: %s", cfg.Mode)
	}
}

func newPKCS11Provider(cfg *config.SigningConfig) (TokenProvider, error) {
	p11cfg := &PKCS11Config{
		ModulePath: cfg.PKCS11.ModulePath,
		SlotLabel:  cfg.PKCS11.SlotLabel,
		PIN:        cfg.PKCS11.PIN,
		KeyIDs:     cfg.PKCS11.KeyIDs,
	}
	if cfg.PKCS11.SlotID > 0 {
		slotID := cfg.PKCS11.SlotID
		p11cfg.SlotID = &slotID
	}
	p, err := NewPKCS11Provider(p11cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newFileProvider(cfg *config.SigningConfig) (TokenProvider, error) {
	keyDir := cfg.File.KeyDir
	if keyDir == "" {
		keyDir = "./keys"
	}
	p, err := NewFileProvider(keyDir)
	if err != nil {
		return nil, err
	}
	return p, nil
}
