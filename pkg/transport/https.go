package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	stdmime "mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/sirosfoundation/go-secgw/pkg/message"
	"github.com/sirosfoundation/go-secgw/pkg/mime"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// UserAgent is sent with every request
const UserAgent = "go-secgw/1.0"

// maxResponseSize bounds response bodies read into memory
const maxResponseSize = 64 << 20

// RecommendedTLS12CipherSuites are the TLS 1.2 suites offered and accepted
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains HTTPS client and server settings
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	ClientAuth      tls.ClientAuthType
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	ClientCAs       *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// ClientTLSConfig returns the TLS settings for outbound connections
func (c *HTTPSConfig) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		RootCAs:      c.RootCAs,
	}
}

// ServerTLSConfig returns the TLS settings for the listening side
func (c *HTTPSConfig) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		ClientCAs:    c.ClientCAs,
		ClientAuth:   c.ClientAuth,
	}
}

// NewHTTPClient returns an http.Client for TSA, OCSP and peer requests
func NewHTTPClient(config *HTTPSConfig) *http.Client {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     config.ClientTLSConfig(),
			IdleConnTimeout:     config.IdleConnTimeout,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
		},
		Timeout: config.Timeout,
	}
}

// StatusError is a non-200 answer from a peer gateway. Fault is set when
// the body was a SOAP fault.
type StatusError struct {
	StatusCode int
	Fault      *message.Fault
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.Fault != nil {
		return fmt.Sprintf("peer returned %d: %s", e.StatusCode, e.Fault.Error())
	}
	return fmt.Sprintf("peer returned %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.Fault != nil {
		return e.Fault
	}
	return nil
}

// Client talks to peer gateways
type Client struct {
	client *http.Client
}

// NewClient creates a peer client
func NewClient(config *HTTPSConfig) *Client {
	return &Client{client: NewHTTPClient(config)}
}

// SendMessage posts an encoded proxy message to endpoint and returns the
// response body.
func (c *Client) SendMessage(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{StatusCode: resp.StatusCode, Body: data}
		if f, ferr := message.ParseFault(data); ferr == nil {
			serr.Fault = f
		}
		return nil, serr
	}
	return data, nil
}

// FetchOCSPResponses asks a peer gateway for its cached OCSP responses.
// The responses are returned in the order of certHashes.
func (c *Client) FetchOCSPResponses(ctx context.Context, baseURL string, certHashes []string) ([][]byte, error) {
	if len(certHashes) == 0 {
		return nil, errors.New("no certificate hashes")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	u.Path = "/"
	u.RawQuery = url.Values{"cert": certHashes}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OCSP responses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: data}
	}

	mt, params, err := stdmime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != mime.ContentTypeMultipartRelated {
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	var out [][]byte
	mr := multipart.NewReader(io.LimitReader(resp.Body, maxResponseSize), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response part: %w", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != mime.ContentTypeOCSPResponse {
			return nil, fmt.Errorf("unexpected part type %q", ct)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(part); err != nil {
			return nil, fmt.Errorf("failed to read response part: %w", err)
		}
		out = append(out, buf.Bytes())
	}
	if len(out) != len(certHashes) {
		return nil, fmt.Errorf("expected %d responses, got %d", len(certHashes), len(out))
	}
	return out, nil
}
