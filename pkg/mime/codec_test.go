package mime

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"mime/multipart"
	"os"
	"strings"
	"testing"

	"github.com/sirosfoundation/go-secgw/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"><SOAP-ENV:Header/><SOAP-ENV:Body/></SOAP-ENV:Envelope>`

func testDecoder(t *testing.T, threshold int64) (*Decoder, string) {
	t.Helper()
	dir := t.TempDir()
	return NewDecoder(DecoderConfig{
		Cache: CacheConfig{MemoryThreshold: threshold, TempDir: dir},
	}), dir
}

func decode(t *testing.T, dec *Decoder, body []byte, contentType string) (*ProxyMessage, error) {
	t.Helper()
	msg := NewProxyMessage()
	t.Cleanup(func() { msg.Consume() })
	return msg, dec.Decode(bytes.NewReader(body), contentType, msg)
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRoundTrip_LargeAttachment(t *testing.T) {
	payload := make([]byte, 10<<20)
	rand.New(rand.NewSource(1)).Read(payload)

	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "outer-boundary")
	require.NoError(t, err)
	require.NoError(t, enc.Related("myboundary", "", []byte(testEnvelope), AttachmentSource{
		ContentType: "application/octet-stream",
		ContentID:   "attachment-1",
		Content:     bytes.NewReader(payload),
	}))
	require.NoError(t, enc.Signature([]byte("sig")))
	require.NoError(t, enc.Close())

	dec, dir := testDecoder(t, 1<<20)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)

	env := msg.Envelope()
	require.NotNil(t, env)
	assert.Equal(t, "myboundary", env.Boundary)
	assert.Equal(t, []byte(testEnvelope), env.Data)
	assert.Nil(t, env.Raw)
	assert.Contains(t, msg.EnvelopeContentType(), "boundary=myboundary")
	assert.Equal(t, ModeReencode, msg.Mode())

	require.Len(t, msg.Attachments(), 1)
	att := msg.Attachments()[0]
	assert.Equal(t, "attachment-1", att.ContentID())
	assert.Equal(t, int64(len(payload)), att.Size())
	assert.True(t, att.cache.OnDisk())
	sum := sha256.Sum256(payload)
	assert.Equal(t, sum[:], att.Digest())

	r, err := att.Open()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "attachment bytes differ")

	// Re-encoding reuses the original boundary.
	var out bytes.Buffer
	_, err = msg.WriteTo(&out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out.Bytes(), []byte("--myboundary\r\n")))

	reader := multipart.NewReader(&out, "myboundary")
	first, err := reader.NextPart()
	require.NoError(t, err)
	envData, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, []byte(testEnvelope), envData)
	second, err := reader.NextPart()
	require.NoError(t, err)
	attData, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, attData))

	require.NoError(t, msg.Consume())
	assertDirEmpty(t, dir)
}

func TestRoundTrip_PlainEnvelope(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "")
	require.NoError(t, err)
	require.NoError(t, enc.OCSPResponse([]byte{0x30, 0x01}))
	require.NoError(t, enc.Envelope("text/xml; charset=UTF-8", []byte(testEnvelope)))
	require.NoError(t, enc.Close())

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)
	assert.Equal(t, ModeBare, msg.Mode())
	assert.Equal(t, "text/xml; charset=UTF-8", msg.EnvelopeContentType())
	assert.Len(t, msg.OCSPResponses(), 1)

	out, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte(testEnvelope), out)
}

func TestRelated_TypeFollowsEnvelope(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "ob")
	require.NoError(t, err)
	require.NoError(t, enc.Related("rb", ContentTypeSOAPXML+"; charset=UTF-8", []byte(testEnvelope),
		AttachmentSource{Content: strings.NewReader("one")}))
	require.NoError(t, enc.Close())
	assert.Contains(t, buf.String(), `Content-Type: multipart/related; boundary=rb; type="application/soap+xml"`)

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)
	assert.Contains(t, msg.EnvelopeContentType(), `type="application/soap+xml"`)
	assert.Equal(t, []byte(testEnvelope), msg.Envelope().Data)

	err = enc.Related("rb", "not a type;", []byte(testEnvelope))
	assert.ErrorContains(t, err, "invalid envelope content type")
}

func TestPassthrough_RelatedWithoutAttachments(t *testing.T) {
	raw := "preamble\r\n" +
		"--rb\r\n" +
		"content-type: text/xml\r\n" +
		"X-Extra:  spaced\r\n" +
		"\r\n" +
		testEnvelope +
		"\r\n--rb--\r\n"
	body := "--ob\r\n" +
		"Content-Type: multipart/related; boundary=rb; type=\"text/xml\"\r\n" +
		"\r\n" +
		raw +
		"\r\n--ob\r\n" +
		"Content-Type: application/pkcs7-signature\r\n" +
		"\r\n" +
		"SIG" +
		"\r\n--ob--\r\n"

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, []byte(body), "multipart/mixed; boundary=ob")
	require.NoError(t, err)

	assert.Equal(t, ModePassthrough, msg.Mode())
	assert.Equal(t, "multipart/related; boundary=rb; type=\"text/xml\"", msg.EnvelopeContentType())
	assert.Equal(t, []byte("SIG"), msg.Signature())
	assert.Equal(t, []byte(testEnvelope), msg.Envelope().Data)

	out, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, string(out))
}

func TestDecode_REST(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "")
	require.NoError(t, err)
	require.NoError(t, enc.REST(VariantRequest, []byte("GET /r1/ORG/member/sub/items HTTP/1.1")))
	require.NoError(t, enc.RESTBody(strings.NewReader(`{"q":1}`)))
	require.NoError(t, enc.Signature([]byte("sig")))
	require.NoError(t, enc.Close())

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)
	assert.Equal(t, VariantRequest, msg.Variant())
	assert.Equal(t, ModeREST, msg.Mode())
	require.NotNil(t, msg.Body())
	body, err := msg.Body().Bytes()
	require.NoError(t, err)
	assert.Equal(t, `{"q":1}`, string(body))

	manifest, err := msg.SignatureManifest()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(manifest)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "rest "))
	assert.True(t, strings.HasPrefix(lines[1], "body "))
}

func TestDecode_Fault(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "")
	require.NoError(t, err)
	require.NoError(t, enc.Fault(message.NewFault(message.FaultServer, "boom")))
	require.NoError(t, enc.Close())

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)
	require.NotNil(t, msg.Fault())
	assert.Equal(t, "boom", msg.Fault().String)
	assert.Nil(t, msg.Envelope())
}

func TestSignatureManifest(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "")
	require.NoError(t, err)
	require.NoError(t, enc.Related("", "", []byte(testEnvelope),
		AttachmentSource{Content: strings.NewReader("one")},
		AttachmentSource{Content: strings.NewReader("two")},
	))
	require.NoError(t, enc.Close())

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)

	hexSum := func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	manifest, err := msg.SignatureManifest()
	require.NoError(t, err)
	expected := "envelope " + hexSum(testEnvelope) + "\n" +
		"attachment " + hexSum("one") + "\n" +
		"attachment " + hexSum("two") + "\n"
	assert.Equal(t, expected, string(manifest))
}

func TestForward_PreservesFraming(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "")
	require.NoError(t, err)
	require.NoError(t, enc.Related("keep-me", "", []byte(testEnvelope),
		AttachmentSource{Content: strings.NewReader("data")},
	))
	require.NoError(t, enc.Close())

	dec, _ := testDecoder(t, 0)
	msg, err := decode(t, dec, buf.Bytes(), enc.ContentType())
	require.NoError(t, err)

	var fwd bytes.Buffer
	enc2, err := NewEncoder(&fwd, "")
	require.NoError(t, err)
	require.NoError(t, enc2.Forward(msg))
	require.NoError(t, enc2.Close())

	again, err := decode(t, dec, fwd.Bytes(), enc2.ContentType())
	require.NoError(t, err)
	assert.Equal(t, "keep-me", again.Envelope().Boundary)
	require.Len(t, again.Attachments(), 1)
	data, err := again.Attachments()[0].cache.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestDecode_Errors(t *testing.T) {
	part := func(ct, body string) string {
		return "--b\r\nContent-Type: " + ct + "\r\n\r\n" + body + "\r\n"
	}
	const end = "--b--\r\n"
	env := part("text/xml", testEnvelope)
	fault := part(ContentTypeFault, string(message.NewFault("Server", "x").Bytes()))

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"not multipart", "text/xml", testEnvelope},
		{"wrong multipart type", "multipart/related; boundary=b", env + end},
		{"missing boundary", "multipart/mixed", env + end},
		{"no envelope", "multipart/mixed; boundary=b", part(ContentTypeSignature, "sig") + end},
		{"duplicate envelope", "multipart/mixed; boundary=b", env + env + end},
		{"duplicate signature", "multipart/mixed; boundary=b", env + part(ContentTypeSignature, "a") + part(ContentTypeSignature, "b") + end},
		{"fault and envelope", "multipart/mixed; boundary=b", env + fault + end},
		{"unknown part", "multipart/mixed; boundary=b", env + part("image/png", "x") + end},
		{"body without request", "multipart/mixed; boundary=b", env + part(ContentTypeRESTBody, "x") + end},
		{"related without boundary", "multipart/mixed; boundary=b", part("multipart/related", "x") + end},
		{"empty related", "multipart/mixed; boundary=b", part("multipart/related; boundary=rb", "--rb--") + end},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, _ := testDecoder(t, 0)
			_, err := decode(t, dec, []byte(tt.body), tt.contentType)
			require.Error(t, err)
			var decErr *DecodeError
			assert.True(t, errors.As(err, &decErr), "expected DecodeError, got %v", err)
		})
	}
}

func TestDecode_FailureReleasesAttachments(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "b")
	require.NoError(t, err)
	require.NoError(t, enc.Related("", "", []byte(testEnvelope),
		AttachmentSource{Content: bytes.NewReader(bytes.Repeat([]byte("x"), 4096))},
	))
	require.NoError(t, enc.bytesPart("image/png", []byte("bad")))
	require.NoError(t, enc.Close())

	dec, dir := testDecoder(t, 128)
	msg := NewProxyMessage()
	err = dec.Decode(bytes.NewReader(buf.Bytes()), enc.ContentType(), msg)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)

	require.Len(t, msg.Attachments(), 1)
	assert.True(t, msg.Attachments()[0].cache.OnDisk())
	require.NoError(t, msg.Consume())
	require.NoError(t, msg.Consume())
	assertDirEmpty(t, dir)
}

type failingCallback struct {
	*ProxyMessage
}

func (f failingCallback) HandleSignature([]byte) error {
	return errors.New("rejected")
}

func TestDecode_CallbackError(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, "")
	require.NoError(t, err)
	require.NoError(t, enc.Envelope("", []byte(testEnvelope)))
	require.NoError(t, enc.Signature([]byte("sig")))
	require.NoError(t, enc.Close())

	dec, _ := testDecoder(t, 0)
	cb := failingCallback{NewProxyMessage()}
	defer cb.Consume()
	err = dec.Decode(bytes.NewReader(buf.Bytes()), enc.ContentType(), cb)
	assert.ErrorIs(t, err, ErrCallback)
}
