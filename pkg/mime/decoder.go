package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/sirosfoundation/go-secgw/pkg/message"
)

// DefaultMaxPartSize bounds parts that are always held in memory
// (envelope, signature, OCSP responses, REST head, fault).
const DefaultMaxPartSize = 32 << 20

// DecodeError reports malformed input. It is returned from Decode instead
// of aborting the connection so the caller can still release what was
// already buffered.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Framing describes how the envelope was wrapped on the wire
type Framing int

const (
	// FramingBare is an envelope sent as a single part
	FramingBare Framing = iota
	// FramingRelated is an envelope inside multipart/related
	FramingRelated
)

// EnvelopePart is the decoded envelope together with the framing it
// arrived in.
type EnvelopePart struct {
	Framing Framing
	// ContentType is the Content-Type of the outer part that carried the
	// envelope: the envelope's own type for bare framing, the
	// multipart/related type otherwise.
	ContentType string
	// Boundary is the multipart/related boundary, empty for bare framing.
	Boundary string
	// Header holds the headers of the envelope part itself
	Header textproto.MIMEHeader
	// Data is the envelope XML
	Data []byte
	// Raw is the complete multipart/related body as received. It is only
	// set when the related part contained no attachments.
	Raw []byte
}

// Attachment is a cached attachment part
type Attachment struct {
	ContentType string
	Header      textproto.MIMEHeader
	cache       *Cache
}

// ContentID returns the normalized Content-ID of the attachment
func (a *Attachment) ContentID() string {
	return normalizeContentID(a.Header.Get("Content-ID"))
}

// Size returns the attachment size in bytes
func (a *Attachment) Size() int64 { return a.cache.Size() }

// Digest returns the SHA-256 digest of the attachment content
func (a *Attachment) Digest() []byte { return a.cache.Digest() }

// Open returns a reader over the attachment content
func (a *Attachment) Open() (io.ReadCloser, error) { return a.cache.Open() }

// RESTPart is the head of a REST request or response
type RESTPart struct {
	Variant Variant
	Header  textproto.MIMEHeader
	Data    []byte
}

// DecoderCallback receives the parts of a message as they are decoded.
// Every method except HandleAttachment and HandleOCSPResponse is called at
// most once per message. Ownership of caches passes to the callback on
// the call, whether or not it returns an error.
type DecoderCallback interface {
	HandleOCSPResponse(der []byte) error
	HandleSignature(data []byte) error
	HandleEnvelope(env *EnvelopePart) error
	HandleRequestOrResponse(part *RESTPart) error
	HandleBody(contentType string, body *Cache) error
	HandleAttachment(att *Attachment) error
	HandleFault(fault *message.Fault) error
}

// DecoderConfig configures a Decoder
type DecoderConfig struct {
	Cache       CacheConfig
	MaxPartSize int64
}

// Decoder stream-decodes proxy messages
type Decoder struct {
	cfg DecoderConfig
}

// NewDecoder creates a decoder
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.MaxPartSize <= 0 {
		cfg.MaxPartSize = DefaultMaxPartSize
	}
	return &Decoder{cfg: cfg}
}

// decodeState tracks which single-use parts were already seen
type decodeState struct {
	signature bool
	envelope  bool
	rest      bool
	body      bool
	fault     bool
}

// Decode reads a multipart/mixed proxy message from r and pushes its parts
// into cb. Malformed input is reported as *DecodeError. Errors returned by
// cb are returned wrapped.
func (d *Decoder) Decode(r io.Reader, contentType string, cb DecoderCallback) error {
	mt, params, err := mediaType(contentType)
	if err != nil {
		return decodeErr(err, "invalid content type")
	}
	if mt != ContentTypeMultipartMixed {
		return decodeErr(nil, "unexpected content type %s", mt)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return decodeErr(nil, "boundary not found in content type")
	}

	var st decodeState
	reader := multipart.NewReader(r, boundary)
	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return decodeErr(err, "failed to read part")
		}
		if err := d.decodePart(part, &st, cb); err != nil {
			return err
		}
	}

	switch {
	case st.fault && (st.envelope || st.rest):
		return decodeErr(nil, "message has both a fault and an envelope")
	case !st.fault && !st.envelope && !st.rest:
		return decodeErr(nil, "message has no envelope")
	case st.body && !st.rest:
		return decodeErr(nil, "body part without request or response")
	}
	return nil
}

func (d *Decoder) decodePart(part *multipart.Part, st *decodeState, cb DecoderCallback) error {
	ct := part.Header.Get("Content-Type")
	mt, params, err := mediaType(ct)
	if err != nil {
		return decodeErr(err, "invalid part content type")
	}

	switch mt {
	case ContentTypeOCSPResponse:
		data, err := d.readSmall(part, "OCSP response")
		if err != nil {
			return err
		}
		return callback(cb.HandleOCSPResponse(data))

	case ContentTypeSignature:
		if st.signature {
			return decodeErr(nil, "duplicate signature part")
		}
		st.signature = true
		data, err := d.readSmall(part, "signature")
		if err != nil {
			return err
		}
		return callback(cb.HandleSignature(data))

	case ContentTypeTextXML, ContentTypeSOAPXML:
		if err := st.markEnvelope(); err != nil {
			return err
		}
		data, err := d.readSmall(part, "envelope")
		if err != nil {
			return err
		}
		return callback(cb.HandleEnvelope(&EnvelopePart{
			Framing:     FramingBare,
			ContentType: ct,
			Header:      part.Header,
			Data:        data,
		}))

	case ContentTypeMultipartRelated:
		if err := st.markEnvelope(); err != nil {
			return err
		}
		if params["boundary"] == "" {
			return decodeErr(nil, "boundary not found in related part")
		}
		return d.decodeRelated(part, ct, params["boundary"], cb)

	case ContentTypeRESTRequest, ContentTypeRESTResponse:
		if st.rest || st.envelope {
			return decodeErr(nil, "duplicate envelope part")
		}
		st.rest = true
		data, err := d.readSmall(part, "request head")
		if err != nil {
			return err
		}
		variant := VariantRequest
		if mt == ContentTypeRESTResponse {
			variant = VariantResponse
		}
		return callback(cb.HandleRequestOrResponse(&RESTPart{
			Variant: variant,
			Header:  part.Header,
			Data:    data,
		}))

	case ContentTypeRESTBody:
		if !st.rest {
			return decodeErr(nil, "body part without request or response")
		}
		if st.body {
			return decodeErr(nil, "duplicate body part")
		}
		st.body = true
		body := NewCache(d.cfg.Cache)
		if _, err := body.ReadFrom(part); err != nil {
			body.Release()
			return decodeErr(err, "failed to read body")
		}
		return callback(cb.HandleBody(ct, body))

	case ContentTypeFault:
		if st.fault {
			return decodeErr(nil, "duplicate fault part")
		}
		st.fault = true
		data, err := d.readSmall(part, "fault")
		if err != nil {
			return err
		}
		fault, err := message.ParseFault(data)
		if err != nil {
			return decodeErr(err, "invalid fault")
		}
		return callback(cb.HandleFault(fault))

	default:
		return decodeErr(nil, "unexpected part content type %s", mt)
	}
}

func (st *decodeState) markEnvelope() error {
	if st.envelope || st.rest {
		return decodeErr(nil, "duplicate envelope part")
	}
	st.envelope = true
	return nil
}

// decodeRelated decodes a multipart/related part. The first inner part is
// the envelope, the rest are attachments. The raw bytes are kept only
// until a second inner part shows up.
func (d *Decoder) decodeRelated(part io.Reader, contentType, boundary string, cb DecoderCallback) error {
	tee := &switchTee{r: part}
	inner := multipart.NewReader(tee, boundary)

	first, err := inner.NextRawPart()
	if err == io.EOF {
		return decodeErr(nil, "empty related part")
	}
	if err != nil {
		return decodeErr(err, "failed to read envelope part")
	}
	data, err := d.readSmall(first, "envelope")
	if err != nil {
		return err
	}
	env := &EnvelopePart{
		Framing:     FramingRelated,
		ContentType: contentType,
		Boundary:    boundary,
		Header:      first.Header,
		Data:        data,
	}

	next, err := inner.NextRawPart()
	if err == io.EOF {
		if _, err := io.Copy(io.Discard, tee); err != nil {
			return decodeErr(err, "failed to read related part")
		}
		env.Raw = tee.buf.Bytes()
		return callback(cb.HandleEnvelope(env))
	}
	if err != nil {
		return decodeErr(err, "failed to read attachment part")
	}
	tee.disable()
	if err := callback(cb.HandleEnvelope(env)); err != nil {
		return err
	}

	for {
		att := &Attachment{
			ContentType: next.Header.Get("Content-Type"),
			Header:      next.Header,
			cache:       NewCache(d.cfg.Cache),
		}
		if att.ContentType == "" {
			att.ContentType = ContentTypeOctetStream
		}
		if _, err := att.cache.ReadFrom(next); err != nil {
			att.cache.Release()
			return decodeErr(err, "failed to read attachment")
		}
		if err := callback(cb.HandleAttachment(att)); err != nil {
			return err
		}

		next, err = inner.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return decodeErr(err, "failed to read attachment part")
		}
	}
}

func (d *Decoder) readSmall(r io.Reader, what string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, d.cfg.MaxPartSize+1))
	if err != nil {
		return nil, decodeErr(err, "failed to read %s", what)
	}
	if int64(len(data)) > d.cfg.MaxPartSize {
		return nil, decodeErr(nil, "%s exceeds %d bytes", what, d.cfg.MaxPartSize)
	}
	return data, nil
}

// ErrCallback wraps errors returned by a DecoderCallback
var ErrCallback = errors.New("decoder callback failed")

func callback(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCallback, err)
}

// switchTee copies everything read into buf until disabled
type switchTee struct {
	r   io.Reader
	buf bytes.Buffer
	off bool
}

func (t *switchTee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && !t.off {
		t.buf.Write(p[:n])
	}
	return n, err
}

func (t *switchTee) disable() {
	t.off = true
	t.buf = bytes.Buffer{}
}
