// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime implements the multi-part wire format of proxy messages.

# Message Structure

A proxy message is a multipart/mixed document. Each part is identified by
its Content-Type:

	Content-Type: multipart/mixed; boundary="outer"

	--outer
	Content-Type: application/ocsp-response

	[DER OCSP response, one part per certificate]
	--outer
	Content-Type: multipart/related; type="text/xml"; boundary="inner"

	--inner
	Content-Type: text/xml; charset=UTF-8

	[SOAP envelope]
	--inner
	Content-Type: application/octet-stream
	Content-ID: <attachment-1>

	[attachment bytes]
	--inner--
	--outer
	Content-Type: application/pkcs7-signature

	[detached CMS signature]
	--outer--

Instead of multipart/related the envelope may be sent as a single
text/xml part, as a REST request/response head (application/x-rest-request,
application/x-rest-response, optionally followed by application/x-rest-body),
or replaced by an application/x-message-fault part.

# Decoding

Decoding is push style. The Decoder reads the stream once and calls a
DecoderCallback for every part. ProxyMessage is the standard callback:

	msg := mime.NewProxyMessage()
	defer msg.Consume()
	if err := dec.Decode(body, contentType, msg); err != nil {
	    var decErr *mime.DecodeError
	    ...
	}

Attachments and REST bodies are cached in memory up to a threshold and in
temporary files beyond it. Consume releases them and must run on every
path, including decode failure.

# Encoding

ProxyMessage.WriteTo writes the envelope back in the form it arrived:
the original bytes when it was a multipart/related part without
attachments, a re-encoded multipart/related using the original boundary
when attachments are present, or the bare envelope bytes otherwise.
Encoder writes complete outer messages.
*/
package mime
