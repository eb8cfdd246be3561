package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// CertHash returns the identifier under which OCSP responses are cached
// and served: the lower-case hex SHA-256 of the DER certificate.
func CertHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// CertPair is a certificate together with its issuer
type CertPair struct {
	Cert   *x509.Certificate
	Issuer *x509.Certificate
}

// FetcherConfig configures OCSP response fetching
type FetcherConfig struct {
	// HTTPClient for OCSP requests (optional)
	HTTPClient *http.Client
	// Timeout for OCSP requests
	Timeout time.Duration
	// Interval between refreshes
	Interval time.Duration
	// Certificates returns the certificates to keep fresh responses for
	Certificates func() []CertPair
	Logger       *slog.Logger
}

// ResponseFetcher keeps verified OCSP responses for the gateway's own
// certificates in a ResponseCache.
type ResponseFetcher struct {
	config     FetcherConfig
	httpClient *http.Client
	verifier   *Verifier
	cache      *ResponseCache
	logger     *slog.Logger
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewResponseFetcher creates a fetcher storing into cache
func NewResponseFetcher(config FetcherConfig, verifier *Verifier, cache *ResponseCache) *ResponseFetcher {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Interval == 0 {
		config.Interval = 20 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &ResponseFetcher{
		config:     config,
		httpClient: client,
		verifier:   verifier,
		cache:      cache,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start refreshes all responses now and then on every interval
func (f *ResponseFetcher) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.RefreshAll(ctx)

		ticker := time.NewTicker(f.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.RefreshAll(ctx)
			}
		}
	}()
}

// Stop stops the refresh loop
func (f *ResponseFetcher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
}

// RefreshAll fetches a response for every configured certificate. A
// failure keeps the previously cached response.
func (f *ResponseFetcher) RefreshAll(ctx context.Context) {
	if f.config.Certificates == nil {
		return
	}
	for _, pair := range f.config.Certificates() {
		if _, err := f.Fetch(ctx, pair.Cert, pair.Issuer); err != nil {
			f.logger.Error("failed to refresh OCSP response",
				"serial", pair.Cert.SerialNumber.String(),
				"error", err)
		}
	}
}

// Fetch requests, verifies and caches an OCSP response for cert
func (f *ResponseFetcher) Fetch(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, fmt.Errorf("no OCSP server URL in certificate")
	}

	request, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	var lastErr error
	for _, server := range cert.OCSPServer {
		der, err := f.doOCSPRequest(ctx, server, request)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := f.verifier.Verify(cert, issuer, der, f.now()); err != nil {
			lastErr = err
			continue
		}
		f.cache.Set(CertHash(cert), der)
		f.logger.Debug("refreshed OCSP response", "serial", cert.SerialNumber.String(), "responder", server)
		return der, nil
	}
	return nil, fmt.Errorf("OCSP request failed: %w", lastErr)
}

// doOCSPRequest performs the HTTP request to OCSP server
func (f *ResponseFetcher) doOCSPRequest(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ocspURL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return f.doOCSPGET(ctx, ocspURL, request)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return f.doOCSPGET(ctx, ocspURL, request)
	}

	return io.ReadAll(resp.Body)
}

// doOCSPGET performs OCSP request via HTTP GET
func (f *ResponseFetcher) doOCSPGET(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(request)
	reqURL := strings.TrimSuffix(ocspURL, "/") + "/" + url.PathEscape(encoded)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// ResponseCache provides thread-safe storage of OCSP responses keyed by
// certificate hash
type ResponseCache struct {
	mu    sync.RWMutex
	cache map[string]*responseEntry
}

type responseEntry struct {
	der       []byte
	fetchedAt time.Time
}

// NewResponseCache creates an empty cache
func NewResponseCache() *ResponseCache {
	return &ResponseCache{cache: make(map[string]*responseEntry)}
}

// Get retrieves the response for a certificate hash. Hash matching is
// case-insensitive.
func (c *ResponseCache) Get(certHash string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[strings.ToLower(certHash)]
	if !ok {
		return nil, false
	}
	return entry.der, true
}

// Set stores a response
func (c *ResponseCache) Set(certHash string, der []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[strings.ToLower(certHash)] = &responseEntry{
		der:       der,
		fetchedAt: time.Now(),
	}
}

// Len returns the number of cached responses
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// FetchedAt returns when the response for certHash was stored
func (c *ResponseCache) FetchedAt(certHash string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[strings.ToLower(certHash)]
	if !ok {
		return time.Time{}, false
	}
	return entry.fetchedAt, true
}

// CacheEntry describes one cached response
type CacheEntry struct {
	CertHash  string    `json:"certHash"`
	FetchedAt time.Time `json:"fetchedAt"`
	Size      int       `json:"size"`
}

// Entries lists the cached responses sorted by certificate hash
func (c *ResponseCache) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CacheEntry, 0, len(c.cache))
	for hash, e := range c.cache {
		out = append(out, CacheEntry{CertHash: hash, FetchedAt: e.fetchedAt, Size: len(e.der)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CertHash < out[j].CertHash })
	return out
}
