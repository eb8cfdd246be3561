// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gosecgw is the message-exchange core of a federated security
gateway.

# Overview

A security gateway brokers authenticated, non-repudiable request/response
traffic between member organizations. go-secgw admits connections under
load, decodes the streamed multipart wire format of gateway messages,
verifies their detached signatures and OCSP responses, and records every
message in a hash-chained ledger that is periodically time-stamped by an
RFC 3161 authority and archived to disk.

# Package Structure

	github.com/sirosfoundation/go-secgw/pkg/admission - Connection admission and load shedding
	github.com/sirosfoundation/go-secgw/pkg/message   - Envelope model and faults
	github.com/sirosfoundation/go-secgw/pkg/mime      - Streaming multipart codec
	github.com/sirosfoundation/go-secgw/pkg/security  - Detached signatures and OCSP
	github.com/sirosfoundation/go-secgw/pkg/ledger    - Hash-chained message ledger
	github.com/sirosfoundation/go-secgw/pkg/timestamp - Batch time-stamping
	github.com/sirosfoundation/go-secgw/pkg/archive   - Ledger archiving and purging
	github.com/sirosfoundation/go-secgw/pkg/transport - Outbound HTTPS client
	github.com/sirosfoundation/go-secgw/cmd/gatewayd  - The gateway daemon

# Quick Start

Run the daemon with a configuration file:

	gatewayd --config gatewayd.yaml serve

Verify the online part of the hash chain:

	gatewayd --config gatewayd.yaml verify-chain

Look up the record of a query:

	gatewayd --config gatewayd.yaml find --query-id 0a1b2c3d

# References

  - RFC 3161 Time-Stamp Protocol: https://www.rfc-editor.org/rfc/rfc3161
  - RFC 6960 OCSP: https://www.rfc-editor.org/rfc/rfc6960
  - RFC 2387 multipart/related: https://www.rfc-editor.org/rfc/rfc2387

# License

BSD-2-Clause License
*/
package gosecgw
