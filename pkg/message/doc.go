// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the SOAP envelope and fault model exchanged
between gateways.

# Envelopes

Every request carries a SOAP 1.1 envelope whose header identifies the
exchange:

	<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"
	    xmlns:gw="http://siros.org/secgw/header/1">
	  <SOAP-ENV:Header>
	    <gw:client>ORG/member-1/subsystem-a</gw:client>
	    <gw:service>ORG/member-2/subsystem-b/getData</gw:service>
	    <gw:id>6f1c...</gw:id>
	    <gw:userId>EE1234</gw:userId>
	    <gw:protocolVersion>1.0</gw:protocolVersion>
	  </SOAP-ENV:Header>
	  <SOAP-ENV:Body>...</SOAP-ENV:Body>
	</SOAP-ENV:Envelope>

Build an envelope with the functional options builder:

	data, err := message.NewEnvelope(
	    message.WithClient("ORG/member-1/subsystem-a"),
	    message.WithService("ORG/member-2/subsystem-b/getData"),
	    message.WithBody(payload),
	).Build()

Parse a received envelope and read its query id:

	env, err := message.ParseEnvelope(data)
	id := env.QueryID()

# Faults

Faults are plain SOAP 1.1 faults. The gateway uses a small set of codes,
see the Fault* constants. A refusal caused by the secure log being
unavailable uses FaultLoggingUnavailable so callers can tell it apart
from validation failures.
*/
package message
