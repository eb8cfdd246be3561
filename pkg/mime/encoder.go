package mime

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"

	"github.com/sirosfoundation/go-secgw/pkg/message"
)

// AttachmentSource is an attachment to be encoded
type AttachmentSource struct {
	ContentType string
	ContentID   string
	Header      textproto.MIMEHeader
	Content     io.Reader
}

// Encoder writes the outer multipart/mixed framing of a proxy message.
// Parts are written in call order; Close terminates the message.
type Encoder struct {
	writer *multipart.Writer
}

// NewEncoder creates an encoder writing to w. An empty boundary generates
// a random one.
func NewEncoder(w io.Writer, boundary string) (*Encoder, error) {
	writer := multipart.NewWriter(w)
	if boundary == "" {
		boundary = GenerateBoundary()
	}
	if err := writer.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("failed to set boundary: %w", err)
	}
	return &Encoder{writer: writer}, nil
}

// ContentType returns the Content-Type header of the encoded message
func (e *Encoder) ContentType() string {
	return mime.FormatMediaType(ContentTypeMultipartMixed, map[string]string{
		"boundary": e.writer.Boundary(),
	})
}

// OCSPResponse writes one DER encoded OCSP response part
func (e *Encoder) OCSPResponse(der []byte) error {
	return e.bytesPart(ContentTypeOCSPResponse, der)
}

// Signature writes the detached signature part
func (e *Encoder) Signature(sig []byte) error {
	return e.bytesPart(ContentTypeSignature, sig)
}

// Envelope writes a bare envelope part
func (e *Encoder) Envelope(contentType string, data []byte) error {
	if contentType == "" {
		contentType = ContentTypeTextXML + "; charset=UTF-8"
	}
	return e.bytesPart(contentType, data)
}

// Related writes a multipart/related part holding the envelope and the
// attachments. An empty boundary generates a random one.
func (e *Encoder) Related(boundary, envelopeType string, envelope []byte, attachments ...AttachmentSource) error {
	if boundary == "" {
		boundary = GenerateBoundary()
	}
	if envelopeType == "" {
		envelopeType = ContentTypeTextXML + "; charset=UTF-8"
	}
	rootType, _, err := mime.ParseMediaType(envelopeType)
	if err != nil {
		return fmt.Errorf("invalid envelope content type %q: %w", envelopeType, err)
	}
	ct := mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"type":     rootType,
		"boundary": boundary,
	})
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", ct)
	part, err := e.writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create related part: %w", err)
	}

	inner := multipart.NewWriter(part)
	if err := inner.SetBoundary(boundary); err != nil {
		return fmt.Errorf("failed to set related boundary: %w", err)
	}

	envHeader := textproto.MIMEHeader{}
	envHeader.Set("Content-Type", envelopeType)
	envPart, err := inner.CreatePart(envHeader)
	if err != nil {
		return fmt.Errorf("failed to create envelope part: %w", err)
	}
	if _, err := envPart.Write(envelope); err != nil {
		return fmt.Errorf("failed to write envelope part: %w", err)
	}

	for i, att := range attachments {
		h := textproto.MIMEHeader{}
		for key, values := range att.Header {
			for _, value := range values {
				h.Add(key, value)
			}
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = ContentTypeOctetStream
		}
		h.Set("Content-Type", contentType)
		if att.ContentID != "" {
			h.Set("Content-ID", "<"+normalizeContentID(att.ContentID)+">")
		}
		attPart, err := inner.CreatePart(h)
		if err != nil {
			return fmt.Errorf("failed to create attachment part %d: %w", i, err)
		}
		if _, err := io.Copy(attPart, att.Content); err != nil {
			return fmt.Errorf("failed to write attachment part %d: %w", i, err)
		}
	}

	if err := inner.Close(); err != nil {
		return fmt.Errorf("failed to close related part: %w", err)
	}
	return nil
}

// Forward writes the envelope of a decoded message, preserving its
// original framing.
func (e *Encoder) Forward(m *ProxyMessage) error {
	if m.REST() != nil {
		if err := e.REST(m.Variant(), m.REST().Data); err != nil {
			return err
		}
		if m.Body() != nil {
			r, err := m.Body().Open()
			if err != nil {
				return err
			}
			defer r.Close()
			return e.RESTBody(r)
		}
		return nil
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", m.EnvelopeContentType())
	part, err := e.writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create envelope part: %w", err)
	}
	_, err = m.WriteTo(part)
	return err
}

// REST writes a REST request or response head part
func (e *Encoder) REST(variant Variant, head []byte) error {
	switch variant {
	case VariantRequest:
		return e.bytesPart(ContentTypeRESTRequest, head)
	case VariantResponse:
		return e.bytesPart(ContentTypeRESTResponse, head)
	default:
		return fmt.Errorf("invalid REST variant %s", variant)
	}
}

// RESTBody writes the REST body part
func (e *Encoder) RESTBody(body io.Reader) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", ContentTypeRESTBody)
	part, err := e.writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	return nil
}

// Fault writes a fault part
func (e *Encoder) Fault(f *message.Fault) error {
	return e.bytesPart(ContentTypeFault, f.Bytes())
}

// Close writes the closing boundary
func (e *Encoder) Close() error {
	return e.writer.Close()
}

func (e *Encoder) bytesPart(contentType string, data []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	part, err := e.writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return nil
}
