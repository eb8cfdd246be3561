// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport provides the outbound HTTP side of the gateway.

NewHTTPClient builds the client used for timestamp authorities, OCSP
responders and peer gateways, with TLS 1.2 as the minimum version:

	httpClient := transport.NewHTTPClient(transport.DefaultHTTPSConfig())

For TLS 1.2, the following cipher suites are offered:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

Client sends proxy messages to a peer's POST /message endpoint and fetches
a peer's cached OCSP responses from GET /?cert=...:

	c := transport.NewClient(nil)
	responses, err := c.FetchOCSPResponses(ctx, "https://peer.example", hashes)

Non-200 answers are returned as *StatusError carrying the peer's fault.
*/
package transport
