package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeBuilder_RoundTrip(t *testing.T) {
	builder := NewEnvelope(
		WithClient("ORG/member-1/sub-a"),
		WithService("ORG/member-2/sub-b/getData"),
		WithUserID("EE1234"),
		WithBody([]byte("<getData><id>42</id></getData>")),
	)
	data, err := builder.Build()
	require.NoError(t, err)

	env, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, builder.QueryID(), env.QueryID())
	assert.Equal(t, "ORG/member-1/sub-a", env.Client())
	assert.Equal(t, "ORG/member-2/sub-b/getData", env.Service())
	assert.Equal(t, "EE1234", env.UserID())
	assert.Nil(t, env.Fault())
	assert.Equal(t, data, env.Raw)
}

func TestEnvelopeBuilder_Validation(t *testing.T) {
	_, err := NewEnvelope(WithService("svc")).Build()
	assert.Error(t, err)

	_, err = NewEnvelope(WithClient("c")).Build()
	assert.Error(t, err)

	_, err = NewEnvelope(WithClient("c"), WithService("s"), WithQueryID("")).Build()
	assert.Error(t, err)
}

func TestParseEnvelope_PrefixedNamespaces(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:gw="http://siros.org/secgw/header/1">
  <SOAP-ENV:Header>
    <gw:client>c</gw:client>
    <gw:service>s</gw:service>
    <gw:id> q-1 </gw:id>
  </SOAP-ENV:Header>
  <SOAP-ENV:Body/>
</SOAP-ENV:Envelope>`)

	env, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "q-1", env.QueryID())
}

func TestParseEnvelope_Errors(t *testing.T) {
	_, err := ParseEnvelope([]byte("<notxml"))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte("<root/>"))
	assert.ErrorIs(t, err, ErrNotEnvelope)

	_, err = ParseEnvelope([]byte(`<Envelope><Header/></Envelope>`))
	assert.ErrorIs(t, err, ErrMissingQueryID)
}

func TestFault_RoundTrip(t *testing.T) {
	f := NewFault(FaultInvalidMessage, "bad part %d", 3)
	f.Detail = "boundary missing"

	data := f.Bytes()
	assert.True(t, strings.Contains(string(data), "faultcode"))

	parsed, err := ParseFault(data)
	require.NoError(t, err)
	assert.Equal(t, FaultInvalidMessage, parsed.Code)
	assert.Equal(t, "bad part 3", parsed.String)
	assert.Equal(t, "boundary missing", parsed.Detail)
}

func TestFault_LoggingUnavailable(t *testing.T) {
	f := LoggingUnavailable()
	assert.True(t, f.IsLoggingUnavailable())
	assert.Contains(t, f.Error(), "unavailable for logging")

	assert.False(t, NewFault(FaultIncorrectOCSP, "too old").IsLoggingUnavailable())
}

func TestParseFault_BareElement(t *testing.T) {
	parsed, err := ParseFault([]byte(`<Fault><faultcode>Server</faultcode><faultstring>x</faultstring></Fault>`))
	require.NoError(t, err)
	assert.Equal(t, FaultServer, parsed.Code)

	_, err = ParseFault([]byte(`<Other/>`))
	assert.Error(t, err)
}
