package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/pkcs7"
	ts "github.com/digitorus/timestamp"
)

const (
	// ContentTypeQuery is the media type of RFC 3161 requests
	ContentTypeQuery = "application/timestamp-query"
	// ContentTypeReply is the media type of RFC 3161 responses
	ContentTypeReply = "application/timestamp-reply"
)

var (
	// ErrBadResponse is returned when a reply does not match the request
	ErrBadResponse = errors.New("timestamp: response does not match request")
	// ErrUntrustedAuthority is returned when the token signer is not trusted
	ErrUntrustedAuthority = errors.New("timestamp: token not signed by a trusted authority")
)

// Authority is one time-stamping authority
type Authority struct {
	Name string
	URL  string
}

// Token is a verified time-stamp reply
type Token struct {
	Authority string
	// Response is the DER TimeStampResp as returned by the authority
	Response []byte
	Time     time.Time
	Serial   *big.Int
	Hash     crypto.Hash
}

// TokenSource obtains a token for content from one authority
type TokenSource interface {
	Timestamp(ctx context.Context, authority Authority, content []byte) (*Token, error)
}

// ClientConfig configures a Client
type ClientConfig struct {
	HTTPClient *http.Client
	// RequestTimeout bounds one request, independent of retry backoff
	RequestTimeout time.Duration
	// TrustedCertificates returns the accepted authority certificates.
	// Nil or empty disables the check.
	TrustedCertificates func() []*x509.Certificate
	Hash                crypto.Hash
}

// Client requests tokens over HTTP
type Client struct {
	http    *http.Client
	timeout time.Duration
	trusted func() []*x509.Certificate
	hash    crypto.Hash
}

// NewClient creates a Client
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		http:    cfg.HTTPClient,
		timeout: cfg.RequestTimeout,
		trusted: cfg.TrustedCertificates,
		hash:    cfg.Hash,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.timeout == 0 {
		c.timeout = 10 * time.Second
	}
	if c.hash == 0 {
		c.hash = crypto.SHA256
	}
	return c
}

// Timestamp requests a token over content and verifies the reply
func (c *Client) Timestamp(ctx context.Context, authority Authority, content []byte) (*Token, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	query, err := ts.CreateRequest(bytes.NewReader(content), &ts.RequestOptions{
		Hash:         c.hash,
		Certificates: true,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authority.URL, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeQuery)
	req.Header.Set("Accept", ContentTypeReply)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", authority.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: unexpected status %d", authority.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading reply from %s: %w", authority.Name, err)
	}

	parsed, err := ts.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing reply from %s: %w", authority.Name, err)
	}
	h := c.hash.New()
	h.Write(content)
	if parsed.HashAlgorithm != c.hash || !bytes.Equal(parsed.HashedMessage, h.Sum(nil)) {
		return nil, fmt.Errorf("%w: message imprint", ErrBadResponse)
	}
	if parsed.Nonce == nil || parsed.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce", ErrBadResponse)
	}
	if err := c.checkTrusted(parsed); err != nil {
		return nil, fmt.Errorf("%s: %w", authority.Name, err)
	}

	return &Token{
		Authority: authority.Name,
		Response:  body,
		Time:      parsed.Time,
		Serial:    parsed.SerialNumber,
		Hash:      parsed.HashAlgorithm,
	}, nil
}

// checkTrusted accepts the token when its signer certificate is trusted
// or chains to a trusted certificate for time stamping. Other certificates
// in the token only serve as intermediates.
func (c *Client) checkTrusted(token *ts.Timestamp) error {
	if c.trusted == nil {
		return nil
	}
	trusted := c.trusted()
	if len(trusted) == 0 {
		return nil
	}
	p7, err := pkcs7.Parse(token.RawToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedAuthority, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return fmt.Errorf("%w: no single signer certificate", ErrUntrustedAuthority)
	}
	roots := x509.NewCertPool()
	for _, t := range trusted {
		if signer.Equal(t) {
			return nil
		}
		roots.AddCert(t)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range p7.Certificates {
		if !cert.Equal(signer) {
			intermediates.AddCert(cert)
		}
	}
	_, err = signer.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   token.Time,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedAuthority, err)
	}
	return nil
}
