package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu         sync.RWMutex
	messages   []*MessageRecord // ascending by number
	timestamps []*TimestampRecord
	head       Head
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Head(ctx context.Context) (Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.head
	h.HashChain = bytes.Clone(h.HashChain)
	return h, nil
}

func (s *MemoryStore) FirstMessage(ctx context.Context) (*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return nil, nil
	}
	return s.messages[0].Clone(), nil
}

func (s *MemoryStore) LastMessage(ctx context.Context) (*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return nil, nil
	}
	return s.messages[len(s.messages)-1].Clone(), nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Number <= s.head.MessageNumber {
		return fmt.Errorf("%w: %d", ErrDuplicate, rec.Number)
	}
	s.messages = append(s.messages, rec.Clone())
	s.head.MessageNumber = rec.Number
	s.head.HashChain = bytes.Clone(rec.HashChain)
	return nil
}

func (s *MemoryStore) findMessage(number uint64) (int, bool) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].Number >= number })
	return i, i < len(s.messages) && s.messages[i].Number == number
}

func (s *MemoryStore) Message(ctx context.Context, number uint64) (*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.findMessage(number)
	if !ok {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, number)
	}
	return s.messages[i].Clone(), nil
}

func (s *MemoryStore) Messages(ctx context.Context, from, to uint64) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MessageRecord
	for i, _ := s.findMessage(from); i < len(s.messages) && s.messages[i].Number <= to; i++ {
		out = append(out, s.messages[i].Clone())
	}
	return out, nil
}

func (s *MemoryStore) PendingMessages(ctx context.Context, limit int) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MessageRecord
	for _, m := range s.messages {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.TimestampNumber == 0 {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) CommitTimestamp(ctx context.Context, ts *TimestampRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.Number <= s.head.TimestampNumber {
		return fmt.Errorf("%w: timestamp %d", ErrDuplicate, ts.Number)
	}
	// Validate the whole batch before touching any record.
	idx := make([]int, 0, len(ts.Records))
	for _, n := range ts.Records {
		i, ok := s.findMessage(n)
		if !ok {
			return fmt.Errorf("%w: message %d", ErrNotFound, n)
		}
		if s.messages[i].TimestampNumber != 0 {
			return fmt.Errorf("%w: message %d", ErrAlreadyTimestamped, n)
		}
		idx = append(idx, i)
	}
	for _, i := range idx {
		s.messages[i].TimestampNumber = ts.Number
	}
	s.timestamps = append(s.timestamps, ts.Clone())
	s.head.TimestampNumber = ts.Number
	return nil
}

func (s *MemoryStore) Timestamp(ctx context.Context, number uint64) (*TimestampRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.timestamps {
		if t.Number == number {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: timestamp %d", ErrNotFound, number)
}

func (s *MemoryStore) ArchivableTimestamps(ctx context.Context, before time.Time, limit int) ([]*TimestampRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TimestampRecord
	for _, t := range s.timestamps {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !t.Archived && t.Time.Before(before) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MessagesForTimestamp(ctx context.Context, tsNumber uint64) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MessageRecord
	for _, m := range s.messages {
		if m.TimestampNumber == tsNumber {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkArchived(ctx context.Context, tsNumber uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts *TimestampRecord
	for _, t := range s.timestamps {
		if t.Number == tsNumber {
			ts = t
		}
	}
	if ts == nil {
		return fmt.Errorf("%w: timestamp %d", ErrNotFound, tsNumber)
	}
	ts.Archived, ts.ArchivedAt = true, at
	for _, m := range s.messages {
		if m.TimestampNumber == tsNumber {
			m.Archived, m.ArchivedAt = true, at
		}
	}
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, archivedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Archived && m.ArchivedAt.Before(archivedBefore) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	keptTS := s.timestamps[:0]
	for _, t := range s.timestamps {
		if t.Archived && t.ArchivedAt.Before(archivedBefore) {
			continue
		}
		keptTS = append(keptTS, t)
	}
	s.timestamps = keptTS
	return removed, nil
}

func (s *MemoryStore) FindByQueryIDHash(ctx context.Context, hash []byte, window Window) (*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if bytes.Equal(m.QueryIDHash, hash) && window.Contains(m.Time) {
			return m.Clone(), nil
		}
	}
	return nil, nil
}
