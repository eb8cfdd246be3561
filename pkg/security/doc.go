// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security validates the signatures and certificates carried by
gateway messages and maintains the OCSP responses the gateway serves for
its own certificates.

# Signatures

Messages are signed with detached PKCS#7 signatures over the signature
manifest of the message:

	sig, err := security.SignDetached(manifest, cert, key, intermediates...)
	signer, err := security.VerifyDetached(sig, manifest)

MessageVerifier combines both checks a receiving gateway performs: the
signature must verify and the signing certificate must chain to a CA
from the trust configuration and carry a fresh, good OCSP response:

	mv := security.NewMessageVerifier(trust, ocspVerifier)
	signer, err := mv.Verify(sig, manifest, ocspResponses)

# OCSP

Verifier checks an OCSP response against the responders designated for
the issuing CA and the freshness limit of the trust configuration.
Failures are typed: *CertValidationFailure for a certificate that does
not chain or is revoked, *IncorrectValidationInfo for a response that is
unusable. Counters reports failures per certificate.

ResponseFetcher periodically refreshes the responses for the gateway's
own certificates into a ResponseCache:

	cache := security.NewResponseCache()
	f := security.NewResponseFetcher(security.FetcherConfig{
	    Certificates: func() []security.CertPair { return pairs },
	    Interval:     5 * time.Minute,
	}, verifier, cache)
	f.Start(ctx)
	defer f.Stop()

Cached responses are keyed by CertHash, the lowercase hex SHA-256 of the
DER certificate.

# References

  - RFC 6960 OCSP: https://www.rfc-editor.org/rfc/rfc6960
  - RFC 5652 CMS: https://www.rfc-editor.org/rfc/rfc5652
*/
package security
