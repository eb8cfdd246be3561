// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package timestamp covers ledger records with RFC 3161 time-stamp tokens.

The Timestamper periodically takes the oldest records without a token,
builds a manifest from their numbers and chain values and asks the
configured time-stamping authorities, in order, for a token over the
manifest digest:

	manifest = u64be(number_1) || chain_1 || u64be(number_2) || chain_2 ...
	digest   = SHA-256(manifest)

The first token obtained is committed together with the back-references
of the batch in one store operation.

# Failure Handling

A failed batch is retried after InitialDelay * 2^n, n counting consecutive
failures from one. Once that delay
would exceed MaxDelay the attempt ends with ErrRetriesExhausted and the
next regular run starts over. When failures persist for longer than
AcceptableFailurePeriod, measured from the first failure, the ledger is
put in degraded mode and refuses new messages until a batch succeeds.
*/
package timestamp
