package mime

import (
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
)

const (
	// ContentTypeMultipartMixed is the outer framing of every proxy message
	ContentTypeMultipartMixed = "multipart/mixed"
	// ContentTypeMultipartRelated wraps an envelope together with attachments
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeTextXML is the MIME type of a bare SOAP 1.1 envelope
	ContentTypeTextXML = "text/xml"
	// ContentTypeSOAPXML is the MIME type of a bare SOAP 1.2 envelope
	ContentTypeSOAPXML = "application/soap+xml"
	// ContentTypeOCSPResponse carries one DER encoded OCSP response
	ContentTypeOCSPResponse = "application/ocsp-response"
	// ContentTypeSignature carries the detached CMS signature
	ContentTypeSignature = "application/pkcs7-signature"
	// ContentTypeFault carries a fault document instead of an envelope
	ContentTypeFault = "application/x-message-fault"
	// ContentTypeRESTRequest marks a REST request variant
	ContentTypeRESTRequest = "application/x-rest-request"
	// ContentTypeRESTResponse marks a REST response variant
	ContentTypeRESTResponse = "application/x-rest-response"
	// ContentTypeRESTBody carries the REST request/response body
	ContentTypeRESTBody = "application/x-rest-body"
	// ContentTypeOctetStream is the default attachment type
	ContentTypeOctetStream = "application/octet-stream"
)

// Variant identifies a REST style request or response carried in place of
// a SOAP envelope.
type Variant int

const (
	// VariantNone means the message carries no REST marker
	VariantNone Variant = iota
	// VariantRequest is a REST request
	VariantRequest
	// VariantResponse is a REST response
	VariantResponse
)

func (v Variant) String() string {
	switch v {
	case VariantRequest:
		return "request"
	case VariantResponse:
		return "response"
	default:
		return "none"
	}
}

// GenerateBoundary generates a MIME boundary string
func GenerateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// mediaType returns the lower-cased media type of a Content-Type header
// value together with its parameters.
func mediaType(contentType string) (string, map[string]string, error) {
	if contentType == "" {
		return "", nil, fmt.Errorf("missing content type")
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse content type %q: %w", contentType, err)
	}
	return strings.ToLower(mt), params, nil
}

// normalizeContentID normalizes a Content-ID for comparison
func normalizeContentID(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}
