// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package ledger implements the tamper-evident message log.

Every processed message is appended as a MessageRecord carrying a hash
chain value computed over the previous record's value and this record's
fields. Records are later covered in batches by an RFC 3161 timestamp
(TimestampRecord), moved to archive files and finally purged.

# Hash Chain

The chain value of record n is SHA-256 over the concatenation of

	prev        32 bytes, chain value of record n-1 (zeros for n = 1)
	number      8 bytes, big-endian unsigned
	time        8 bytes, big-endian signed Unix milliseconds
	queryIdHash 32 bytes, SHA-256 of the UTF-8 query id
	len(msg)    8 bytes, big-endian unsigned
	msg         the logged envelope bytes
	len(sig)    8 bytes, big-endian unsigned
	sig         the detached signature bytes

Record times are stored truncated to milliseconds so that the value can
be recomputed from any store.

# Lifecycle

	Pending -> Timestamped -> Archived -> Purged

Append creates Pending records. CommitTimestamp sets the timestamp
back-reference of a batch in one atomic store operation. The archive
manager marks records archived and purges them after retention.

# Stores

Store abstracts persistence. MemoryStore is an in-process implementation
used by tests and single-node deployments; the MongoDB implementation
lives in internal/storage/mongodb. The storetest package holds a
conformance suite shared by both.
*/
package ledger
