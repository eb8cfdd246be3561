// Package globalconf loads the distributed trust configuration of the
// gateway: trusted CA certificates, the OCSP responders designated for
// each CA, time-stamping authority certificates and verification
// parameters.
//
// The configuration is a directory containing trust.yaml:
//
//	ocspFreshness: 10m
//	cas:
//	  - cert: ca/root.pem
//	    ocspResponders:
//	      - ocsp/responder.pem
//	tsas:
//	  - tsa/tsa.pem
//
// Paths are relative to the directory. Registry implements
// security.TrustSource.
package globalconf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileName is the trust descriptor inside the configuration directory
const FileName = "trust.yaml"

// ErrNotInitialized is returned before Init succeeded
var ErrNotInitialized = errors.New("globalconf: not initialized")

// Config configures a Registry
type Config struct {
	Dir string
	// DefaultFreshness applies when trust.yaml does not set ocspFreshness
	DefaultFreshness time.Duration
	// Debounce delays reloads after file events
	Debounce time.Duration
	Logger   *slog.Logger
}

type descriptor struct {
	OCSPFreshness time.Duration `yaml:"ocspFreshness"`
	CAs           []struct {
		Cert           string   `yaml:"cert"`
		OCSPResponders []string `yaml:"ocspResponders"`
	} `yaml:"cas"`
	TSAs []string `yaml:"tsas"`
}

type snapshot struct {
	cas        []*x509.Certificate
	responders map[[sha256.Size]byte][]*x509.Certificate
	tsas       []*x509.Certificate
	freshness  time.Duration
	loadedAt   time.Time
}

// Registry holds the current trust configuration. Reads are lock free;
// Reload swaps the whole snapshot.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Pointer[snapshot]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an uninitialized Registry
func New(cfg Config) *Registry {
	if cfg.DefaultFreshness == 0 {
		cfg.DefaultFreshness = 10 * time.Minute
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{cfg: cfg, logger: logger.With("component", "globalconf")}
}

// Init loads the configuration for the first time
func (r *Registry) Init() error {
	return r.Reload()
}

// Reload re-reads the directory. On failure the previous configuration
// stays in effect.
func (r *Registry) Reload() error {
	s, err := r.load()
	if err != nil {
		return fmt.Errorf("loading trust configuration from %s: %w", r.cfg.Dir, err)
	}
	r.state.Store(s)
	r.logger.Info("trust configuration loaded",
		"cas", len(s.cas), "tsas", len(s.tsas), "ocsp_freshness", s.freshness)
	return nil
}

func (r *Registry) load() (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(r.cfg.Dir, FileName))
	if err != nil {
		return nil, err
	}
	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}

	s := &snapshot{
		responders: make(map[[sha256.Size]byte][]*x509.Certificate),
		freshness:  d.OCSPFreshness,
		loadedAt:   time.Now(),
	}
	if s.freshness <= 0 {
		s.freshness = r.cfg.DefaultFreshness
	}
	for _, ca := range d.CAs {
		certs, err := r.readCertificates(ca.Cert)
		if err != nil {
			return nil, err
		}
		caCert := certs[0]
		s.cas = append(s.cas, caCert)
		key := sha256.Sum256(caCert.Raw)
		for _, path := range ca.OCSPResponders {
			resp, err := r.readCertificates(path)
			if err != nil {
				return nil, err
			}
			s.responders[key] = append(s.responders[key], resp...)
		}
	}
	for _, path := range d.TSAs {
		certs, err := r.readCertificates(path)
		if err != nil {
			return nil, err
		}
		s.tsas = append(s.tsas, certs...)
	}
	return s, nil
}

func (r *Registry) readCertificates(rel string) ([]*x509.Certificate, error) {
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.cfg.Dir, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
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
			return nil, fmt.Errorf("parsing %s: %w", rel, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate in %s", rel)
	}
	return certs, nil
}

// Issuer returns the trusted CA that signed cert, or nil
func (r *Registry) Issuer(cert *x509.Certificate) *x509.Certificate {
	s := r.state.Load()
	if s == nil || cert == nil {
		return nil
	}
	for _, ca := range s.cas {
		if !bytes.Equal(cert.RawIssuer, ca.RawSubject) {
			continue
		}
		if cert.CheckSignatureFrom(ca) == nil {
			return ca
		}
	}
	return nil
}

// OCSPResponders returns the responders designated for ca
func (r *Registry) OCSPResponders(ca *x509.Certificate) []*x509.Certificate {
	s := r.state.Load()
	if s == nil || ca == nil {
		return nil
	}
	return s.responders[sha256.Sum256(ca.Raw)]
}

// OCSPFreshness returns the maximum accepted OCSP response age
func (r *Registry) OCSPFreshness() time.Duration {
	if s := r.state.Load(); s != nil {
		return s.freshness
	}
	return r.cfg.DefaultFreshness
}

// CACertificates returns the trusted CA certificates
func (r *Registry) CACertificates() []*x509.Certificate {
	if s := r.state.Load(); s != nil {
		return s.cas
	}
	return nil
}

// TSACertificates returns the trusted time-stamping authority certificates
func (r *Registry) TSACertificates() []*x509.Certificate {
	if s := r.state.Load(); s != nil {
		return s.tsas
	}
	return nil
}

// LoadedAt returns when the configuration was last loaded
func (r *Registry) LoadedAt() time.Time {
	if s := r.state.Load(); s != nil {
		return s.loadedAt
	}
	return time.Time{}
}

// Watch reloads the configuration whenever a file below the directory
// changes, until ctx is done or Shutdown is called.
func (r *Registry) Watch(ctx context.Context) error {
	if r.state.Load() == nil {
		return ErrNotInitialized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dirs := []string{r.cfg.Dir}
	entries, err := os.ReadDir(r.cfg.Dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(r.cfg.Dir, e.Name()))
			}
		}
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return fmt.Errorf("watching %s: %w", d, err)
		}
	}

	r.watcher = w
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.watchLoop(ctx, w, r.stopCh)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, w *fsnotify.Watcher, stopCh chan struct{}) {
	defer r.wg.Done()

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.Add(event.Name)
				}
			}
			if debounce == nil {
				debounce = time.NewTimer(r.cfg.Debounce)
			} else {
				debounce.Reset(r.cfg.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("trust configuration reload failed, keeping previous", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("watcher error", "error", err)
		}
	}
}

// Shutdown stops the watcher
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	w, stopCh := r.watcher, r.stopCh
	r.watcher, r.stopCh = nil, nil
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	close(stopCh)
	err := w.Close()
	r.wg.Wait()
	return err
}
