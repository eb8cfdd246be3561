package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"
)

// HashSize is the size of chain values and query id hashes
const HashSize = sha256.Size

// MessageRecord is one logged message
type MessageRecord struct {
	Number      uint64    `bson:"_id" json:"number"`
	Time        time.Time `bson:"time" json:"time"`
	QueryIDHash []byte    `bson:"query_id_hash" json:"queryIdHash"`
	Message     []byte    `bson:"message" json:"-"`
	Signature   []byte    `bson:"signature" json:"-"`
	HashChain   []byte    `bson:"hash_chain" json:"hashChain"`

	// TimestampNumber refers to the covering TimestampRecord, zero while pending
	TimestampNumber uint64 `bson:"timestamp_number" json:"timestampNumber,omitempty"`

	Archived   bool      `bson:"archived" json:"archived"`
	ArchivedAt time.Time `bson:"archived_at,omitempty" json:"archivedAt,omitempty"`
}

// State returns the lifecycle state of the record
func (r *MessageRecord) State() State {
	switch {
	case r.Archived:
		return StateArchived
	case r.TimestampNumber != 0:
		return StateTimestamped
	default:
		return StatePending
	}
}

// Clone returns a deep copy
func (r *MessageRecord) Clone() *MessageRecord {
	c := *r
	c.QueryIDHash = bytes.Clone(r.QueryIDHash)
	c.Message = bytes.Clone(r.Message)
	c.Signature = bytes.Clone(r.Signature)
	c.HashChain = bytes.Clone(r.HashChain)
	return &c
}

// TimestampRecord is one timestamp token covering a batch of messages
type TimestampRecord struct {
	Number         uint64    `bson:"_id" json:"number"`
	Time           time.Time `bson:"time" json:"time"`
	Records        []uint64  `bson:"records" json:"records"`
	Token          []byte    `bson:"token" json:"-"`
	HashAlgorithm  string    `bson:"hash_algorithm" json:"hashAlgorithm"`
	ManifestDigest []byte    `bson:"manifest_digest" json:"manifestDigest"`

	Archived   bool      `bson:"archived" json:"archived"`
	ArchivedAt time.Time `bson:"archived_at,omitempty" json:"archivedAt,omitempty"`
}

// Clone returns a deep copy
func (r *TimestampRecord) Clone() *TimestampRecord {
	c := *r
	c.Records = append([]uint64(nil), r.Records...)
	c.Token = bytes.Clone(r.Token)
	c.ManifestDigest = bytes.Clone(r.ManifestDigest)
	return &c
}

// State is the lifecycle state of a MessageRecord
type State int

const (
	StatePending State = iota
	StateTimestamped
	StateArchived
)

func (s State) String() string {
	switch s {
	case StateTimestamped:
		return "timestamped"
	case StateArchived:
		return "archived"
	default:
		return "pending"
	}
}

// HashQueryID returns the SHA-256 of a query id
func HashQueryID(queryID string) []byte {
	sum := sha256.Sum256([]byte(queryID))
	return sum[:]
}

// RecordTime normalizes a time to the precision kept in records
func RecordTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ComputeHashChain returns the chain value of rec given the chain value
// of the preceding record. A nil prev denotes the first record.
func ComputeHashChain(prev []byte, rec *MessageRecord) []byte {
	h := sha256.New()
	writeChainInput(h, prev, rec)
	return h.Sum(nil)
}

// ChainInput returns the exact bytes hashed by ComputeHashChain
func ChainInput(prev []byte, rec *MessageRecord) []byte {
	var buf bytes.Buffer
	writeChainInput(&buf, prev, rec)
	return buf.Bytes()
}

func writeChainInput(w io.Writer, prev []byte, rec *MessageRecord) {
	if prev == nil {
		prev = make([]byte, HashSize)
	}
	var word [8]byte
	w.Write(prev)
	binary.BigEndian.PutUint64(word[:], rec.Number)
	w.Write(word[:])
	binary.BigEndian.PutUint64(word[:], uint64(rec.Time.UnixMilli()))
	w.Write(word[:])
	w.Write(rec.QueryIDHash)
	binary.BigEndian.PutUint64(word[:], uint64(len(rec.Message)))
	w.Write(word[:])
	w.Write(rec.Message)
	binary.BigEndian.PutUint64(word[:], uint64(len(rec.Signature)))
	w.Write(word[:])
	w.Write(rec.Signature)
}
