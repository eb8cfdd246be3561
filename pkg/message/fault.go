package message

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Fault codes returned to peers
const (
	FaultClient             = "Client"
	FaultServer             = "Server"
	FaultInvalidMessage     = "Client.InvalidMessage"
	FaultInvalidSignature   = "Client.InvalidSignature"
	FaultIncorrectOCSP      = "Client.IncorrectValidationInfo"
	FaultCertificateInvalid = "Client.CertValidation"
	FaultLoggingUnavailable = "Server.LoggingUnavailable"
	FaultInternal           = "Server.InternalError"
)

// Fault is a SOAP 1.1 fault
type Fault struct {
	Code   string
	String string
	Actor  string
	Detail string
}

// NewFault creates a fault with the given code and message
func NewFault(code, format string, args ...any) *Fault {
	return &Fault{Code: code, String: fmt.Sprintf(format, args...)}
}

// LoggingUnavailable is the fault returned while the secure log refuses
// new messages.
func LoggingUnavailable() *Fault {
	return &Fault{
		Code:   FaultLoggingUnavailable,
		String: "service temporarily unavailable for logging",
	}
}

// Error implements error
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.String)
}

// IsLoggingUnavailable reports whether f is a degraded-mode refusal
func (f *Fault) IsLoggingUnavailable() bool {
	return f.Code == FaultLoggingUnavailable
}

// Bytes returns the fault wrapped in a SOAP envelope
func (f *Fault) Bytes() []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("SOAP-ENV:Envelope")
	env.CreateAttr("xmlns:SOAP-ENV", NsSOAPEnv)
	body := env.CreateElement("SOAP-ENV:Body")
	fault := body.CreateElement("SOAP-ENV:Fault")
	fault.CreateElement("faultcode").SetText(f.Code)
	fault.CreateElement("faultstring").SetText(f.String)
	if f.Actor != "" {
		fault.CreateElement("faultactor").SetText(f.Actor)
	}
	if f.Detail != "" {
		fault.CreateElement("detail").SetText(f.Detail)
	}

	// Writing to an in-memory buffer does not fail.
	data, _ := doc.WriteToBytes()
	return data
}

// ParseFault parses a fault from either a full envelope or a bare Fault
// element.
func ParseFault(data []byte) (*Fault, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse fault: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty fault document")
	}
	el := root
	if root.Tag == "Envelope" {
		el = root.FindElement(".//*[local-name()='Fault']")
	}
	if el == nil || el.Tag != "Fault" {
		return nil, fmt.Errorf("fault element not found")
	}
	return faultFromElement(el), nil
}

func faultFromElement(el *etree.Element) *Fault {
	text := func(tag string) string {
		if c := findChild(el, tag); c != nil {
			return strings.TrimSpace(c.Text())
		}
		return ""
	}
	return &Fault{
		Code:   text("faultcode"),
		String: text("faultstring"),
		Actor:  text("faultactor"),
		Detail: text("detail"),
	}
}
