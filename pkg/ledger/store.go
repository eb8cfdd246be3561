package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("ledger: record not found")
	// ErrDuplicate is returned when a record number is already taken
	ErrDuplicate = errors.New("ledger: duplicate record number")
	// ErrAlreadyTimestamped is returned when a batch contains a record
	// that is already covered by a timestamp
	ErrAlreadyTimestamped = errors.New("ledger: record already timestamped")
	// ErrLoggingUnavailable is returned by Append while the ledger refuses writes
	ErrLoggingUnavailable = errors.New("ledger: logging unavailable")
)

// Window bounds a search by record time. Zero values are unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Head is the high-water mark of the ledger: the number and chain value
// of the last message appended and the last timestamp number assigned.
// Purge never lowers it.
type Head struct {
	MessageNumber   uint64 `bson:"message_number" json:"messageNumber"`
	HashChain       []byte `bson:"hash_chain" json:"hashChain"`
	TimestampNumber uint64 `bson:"timestamp_number" json:"timestampNumber"`
}

// Store persists message and timestamp records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Head returns the high-water mark, the zero Head for a new store
	Head(ctx context.Context) (Head, error)

	// FirstMessage returns the online record with the lowest number or nil
	// when the store holds no message records.
	FirstMessage(ctx context.Context) (*MessageRecord, error)

	// LastMessage returns the online record with the highest number or nil
	// when the store holds no message records.
	LastMessage(ctx context.Context) (*MessageRecord, error)

	// InsertMessage stores a new record and advances the head to it in one
	// atomic step. ErrDuplicate unless the number is above the head.
	InsertMessage(ctx context.Context, rec *MessageRecord) error

	// Message returns one record by number
	Message(ctx context.Context, number uint64) (*MessageRecord, error)

	// Messages returns the online records with from <= number <= to, ascending
	Messages(ctx context.Context, from, to uint64) ([]*MessageRecord, error)

	// PendingMessages returns up to limit records without a timestamp, ascending
	PendingMessages(ctx context.Context, limit int) ([]*MessageRecord, error)

	// CommitTimestamp inserts ts, sets the back-reference of every record
	// in ts.Records and advances the head timestamp number in one atomic
	// step. ErrDuplicate unless ts.Number is above the head.
	CommitTimestamp(ctx context.Context, ts *TimestampRecord) error

	// Timestamp returns one timestamp record by number
	Timestamp(ctx context.Context, number uint64) (*TimestampRecord, error)

	// ArchivableTimestamps returns up to limit unarchived timestamp
	// records older than before, ascending.
	ArchivableTimestamps(ctx context.Context, before time.Time, limit int) ([]*TimestampRecord, error)

	// MessagesForTimestamp returns the records covered by a timestamp, ascending
	MessagesForTimestamp(ctx context.Context, tsNumber uint64) ([]*MessageRecord, error)

	// MarkArchived flags a timestamp record and its messages as archived
	MarkArchived(ctx context.Context, tsNumber uint64, at time.Time) error

	// Purge deletes archived records whose archive time is before the
	// cutoff and returns the number of message records removed.
	Purge(ctx context.Context, archivedBefore time.Time) (int64, error)

	// FindByQueryIDHash returns the newest online record with the given
	// query id hash inside the window, or nil.
	FindByQueryIDHash(ctx context.Context, hash []byte, window Window) (*MessageRecord, error)
}
