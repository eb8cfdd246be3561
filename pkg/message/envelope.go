package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

var (
	// ErrNotEnvelope is returned when the document root is not a SOAP envelope
	ErrNotEnvelope = errors.New("document is not a SOAP envelope")
	// ErrMissingQueryID is returned when the header carries no query id
	ErrMissingQueryID = errors.New("envelope header has no query id")
)

// ParsedEnvelope is a received envelope. Raw holds the bytes exactly as
// received so they can be logged and forwarded unchanged.
type ParsedEnvelope struct {
	Raw []byte
	doc *etree.Document
}

// ParseEnvelope parses a SOAP envelope and validates the header fields
// required for logging.
func ParseEnvelope(data []byte) (*ParsedEnvelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, ErrNotEnvelope
	}

	env := &ParsedEnvelope{Raw: data, doc: doc}
	if env.QueryID() == "" {
		return nil, ErrMissingQueryID
	}
	return env, nil
}

// QueryID returns the query id from the header
func (e *ParsedEnvelope) QueryID() string {
	return e.headerField("id")
}

// Client returns the client identifier from the header
func (e *ParsedEnvelope) Client() string {
	return e.headerField("client")
}

// Service returns the service identifier from the header
func (e *ParsedEnvelope) Service() string {
	return e.headerField("service")
}

// UserID returns the end-user identifier from the header
func (e *ParsedEnvelope) UserID() string {
	return e.headerField("userId")
}

// Fault returns the body fault, or nil if the body is not a fault
func (e *ParsedEnvelope) Fault() *Fault {
	body := findChild(e.doc.Root(), "Body")
	if body == nil {
		return nil
	}
	fault := findChild(body, "Fault")
	if fault == nil {
		return nil
	}
	return faultFromElement(fault)
}

func (e *ParsedEnvelope) headerField(name string) string {
	header := findChild(e.doc.Root(), "Header")
	if header == nil {
		return ""
	}
	el := findChild(header, name)
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

// findChild looks up a direct child by tag, falling back to a
// namespace-agnostic local-name match.
func findChild(parent *etree.Element, tag string) *etree.Element {
	if el := parent.FindElement("./" + tag); el != nil {
		return el
	}
	return parent.FindElement("./*[local-name()='" + tag + "']")
}
