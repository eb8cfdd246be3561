package message

import "encoding/xml"

// Namespace constants
const (
	NsSOAPEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	NsGateway = "http://siros.org/secgw/header/1"
)

// ProtocolVersion is the header protocol version written by the builder.
const ProtocolVersion = "1.0"

// Envelope is the SOAP 1.1 envelope model used when building messages.
type Envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Header  *Header  `xml:"http://schemas.xmlsoap.org/soap/envelope/ Header"`
	Body    *Body    `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

// Header carries the exchange identification fields.
type Header struct {
	Client          string `xml:"http://siros.org/secgw/header/1 client"`
	Service         string `xml:"http://siros.org/secgw/header/1 service"`
	ID              string `xml:"http://siros.org/secgw/header/1 id"`
	UserID          string `xml:"http://siros.org/secgw/header/1 userId,omitempty"`
	ProtocolVersion string `xml:"http://siros.org/secgw/header/1 protocolVersion"`
}

// Body holds the application payload as raw inner XML.
type Body struct {
	Content []byte `xml:",innerxml"`
}
