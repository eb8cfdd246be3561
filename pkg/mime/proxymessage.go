package mime

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"sync"

	"github.com/sirosfoundation/go-secgw/pkg/message"
)

// EncodeMode selects how a decoded message is written back out
type EncodeMode int

const (
	// ModeBare writes the envelope bytes of a single-part envelope
	ModeBare EncodeMode = iota
	// ModePassthrough writes the original multipart/related bytes unchanged
	ModePassthrough
	// ModeReencode writes multipart/related using the original boundary
	ModeReencode
	// ModeREST writes the REST request or response head
	ModeREST
)

func (m EncodeMode) String() string {
	switch m {
	case ModePassthrough:
		return "passthrough"
	case ModeReencode:
		return "reencode"
	case ModeREST:
		return "rest"
	default:
		return "bare"
	}
}

// ErrNoEnvelope is returned when writing a message that has no envelope
var ErrNoEnvelope = errors.New("message has no envelope")

// ProxyMessage collects the decoded parts of one message. It implements
// DecoderCallback. Consume must be called on every path once the message
// is no longer needed.
type ProxyMessage struct {
	ocspResponses [][]byte
	signature     []byte
	envelope      *EnvelopePart
	rest          *RESTPart
	bodyType      string
	body          *Cache
	attachments   []*Attachment
	fault         *message.Fault

	consumeOnce sync.Once
	consumeErr  error
}

// NewProxyMessage creates an empty message
func NewProxyMessage() *ProxyMessage {
	return &ProxyMessage{}
}

// HandleOCSPResponse implements DecoderCallback
func (m *ProxyMessage) HandleOCSPResponse(der []byte) error {
	m.ocspResponses = append(m.ocspResponses, der)
	return nil
}

// HandleSignature implements DecoderCallback
func (m *ProxyMessage) HandleSignature(data []byte) error {
	m.signature = data
	return nil
}

// HandleEnvelope implements DecoderCallback
func (m *ProxyMessage) HandleEnvelope(env *EnvelopePart) error {
	m.envelope = env
	return nil
}

// HandleRequestOrResponse implements DecoderCallback
func (m *ProxyMessage) HandleRequestOrResponse(part *RESTPart) error {
	m.rest = part
	return nil
}

// HandleBody implements DecoderCallback
func (m *ProxyMessage) HandleBody(contentType string, body *Cache) error {
	m.bodyType = contentType
	m.body = body
	return nil
}

// HandleAttachment implements DecoderCallback
func (m *ProxyMessage) HandleAttachment(att *Attachment) error {
	m.attachments = append(m.attachments, att)
	return nil
}

// HandleFault implements DecoderCallback
func (m *ProxyMessage) HandleFault(fault *message.Fault) error {
	m.fault = fault
	return nil
}

// OCSPResponses returns the embedded OCSP responses in wire order
func (m *ProxyMessage) OCSPResponses() [][]byte { return m.ocspResponses }

// Signature returns the detached signature, or nil
func (m *ProxyMessage) Signature() []byte { return m.signature }

// Envelope returns the envelope part, or nil
func (m *ProxyMessage) Envelope() *EnvelopePart { return m.envelope }

// REST returns the REST request or response head, or nil
func (m *ProxyMessage) REST() *RESTPart { return m.rest }

// Variant returns the REST variant marker
func (m *ProxyMessage) Variant() Variant {
	if m.rest == nil {
		return VariantNone
	}
	return m.rest.Variant
}

// Body returns the cached REST body, or nil
func (m *ProxyMessage) Body() *Cache { return m.body }

// Attachments returns the attachments in wire order
func (m *ProxyMessage) Attachments() []*Attachment { return m.attachments }

// Fault returns the fault, or nil
func (m *ProxyMessage) Fault() *message.Fault { return m.fault }

// HasAttachments reports whether the message has any attachment
func (m *ProxyMessage) HasAttachments() bool { return len(m.attachments) > 0 }

// Mode returns how WriteTo will serialize the message
func (m *ProxyMessage) Mode() EncodeMode {
	switch {
	case m.rest != nil:
		return ModeREST
	case m.envelope == nil || m.envelope.Framing == FramingBare:
		return ModeBare
	case len(m.attachments) == 0 && m.envelope.Raw != nil:
		return ModePassthrough
	default:
		return ModeReencode
	}
}

// EnvelopeContentType returns the Content-Type matching the WriteTo output
func (m *ProxyMessage) EnvelopeContentType() string {
	if m.rest != nil {
		return m.rest.Header.Get("Content-Type")
	}
	if m.envelope == nil {
		return ""
	}
	return m.envelope.ContentType
}

// WriteTo writes the envelope (with its attachments, if any) to w
func (m *ProxyMessage) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	var err error
	switch m.Mode() {
	case ModeREST:
		_, err = cw.Write(m.rest.Data)
	case ModeBare:
		if m.envelope == nil {
			return 0, ErrNoEnvelope
		}
		_, err = cw.Write(m.envelope.Data)
	case ModePassthrough:
		_, err = cw.Write(m.envelope.Raw)
	case ModeReencode:
		err = m.writeRelated(cw)
	}
	return cw.n, err
}

func (m *ProxyMessage) writeRelated(w io.Writer) error {
	writer := multipart.NewWriter(w)
	if err := writer.SetBoundary(m.envelope.Boundary); err != nil {
		return fmt.Errorf("failed to set boundary: %w", err)
	}

	part, err := writer.CreatePart(m.envelope.Header)
	if err != nil {
		return fmt.Errorf("failed to create envelope part: %w", err)
	}
	if _, err := part.Write(m.envelope.Data); err != nil {
		return fmt.Errorf("failed to write envelope part: %w", err)
	}

	for i, att := range m.attachments {
		part, err := writer.CreatePart(att.Header)
		if err != nil {
			return fmt.Errorf("failed to create attachment part %d: %w", i, err)
		}
		if _, err := att.cache.WriteTo(part); err != nil {
			return fmt.Errorf("failed to write attachment part %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return nil
}

// Bytes returns the WriteTo output. Intended for messages without large
// attachments, such as the envelope that gets logged.
func (m *ProxyMessage) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SignatureManifest returns the content covered by the detached signature:
// one line per signed part with its hex encoded SHA-256 digest, envelope
// (or REST head and body) first, then attachments in wire order.
func (m *ProxyMessage) SignatureManifest() ([]byte, error) {
	var buf bytes.Buffer
	switch {
	case m.rest != nil:
		writeManifestLine(&buf, "rest", sha256.Sum256(m.rest.Data))
		if m.body != nil {
			writeManifestLineBytes(&buf, "body", m.body.Digest())
		}
	case m.envelope != nil:
		writeManifestLine(&buf, "envelope", sha256.Sum256(m.envelope.Data))
	default:
		return nil, ErrNoEnvelope
	}
	for _, att := range m.attachments {
		writeManifestLineBytes(&buf, "attachment", att.Digest())
	}
	return buf.Bytes(), nil
}

func writeManifestLine(buf *bytes.Buffer, kind string, digest [sha256.Size]byte) {
	writeManifestLineBytes(buf, kind, digest[:])
}

func writeManifestLineBytes(buf *bytes.Buffer, kind string, digest []byte) {
	buf.WriteString(kind)
	buf.WriteByte(' ')
	buf.WriteString(hex.EncodeToString(digest))
	buf.WriteByte('\n')
}

// Consume releases the body and every attachment cache. Only the first
// call has an effect.
func (m *ProxyMessage) Consume() error {
	m.consumeOnce.Do(func() {
		var errs []error
		if m.body != nil {
			errs = append(errs, m.body.Release())
		}
		for _, att := range m.attachments {
			errs = append(errs, att.cache.Release())
		}
		m.consumeErr = errors.Join(errs...)
	})
	return m.consumeErr
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
