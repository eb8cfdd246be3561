// Package storetest holds a conformance suite for ledger.Store implementations
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

// Run exercises store, which must be empty
func Run(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	last, err := store.LastMessage(ctx)
	require.NoError(t, err)
	require.Nil(t, last, "store must start empty")
	head, err := store.Head(ctx)
	require.NoError(t, err)
	require.Zero(t, head.MessageNumber)

	var prev []byte
	for i := uint64(1); i <= 5; i++ {
		rec := &ledger.MessageRecord{
			Number:      i,
			Time:        base.Add(time.Duration(i) * time.Minute),
			QueryIDHash: ledger.HashQueryID(fmt.Sprintf("q-%d", i)),
			Message:     []byte(fmt.Sprintf("<msg>%d</msg>", i)),
			Signature:   []byte{byte(i)},
		}
		rec.HashChain = ledger.ComputeHashChain(prev, rec)
		prev = rec.HashChain
		require.NoError(t, store.InsertMessage(ctx, rec))
	}

	t.Run("Duplicate", func(t *testing.T) {
		err := store.InsertMessage(ctx, &ledger.MessageRecord{Number: 3, Time: base})
		assert.ErrorIs(t, err, ledger.ErrDuplicate)
	})

	t.Run("Head", func(t *testing.T) {
		head, err := store.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), head.MessageNumber)
		assert.Equal(t, prev, head.HashChain)
		assert.Zero(t, head.TimestampNumber)

		first, err := store.FirstMessage(ctx)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, uint64(1), first.Number)
	})

	t.Run("Reads", func(t *testing.T) {
		last, err := store.LastMessage(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, uint64(5), last.Number)
		assert.True(t, last.Time.Equal(base.Add(5*time.Minute)))

		m, err := store.Message(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("<msg>2</msg>"), m.Message)

		_, err = store.Message(ctx, 99)
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		rng, err := store.Messages(ctx, 2, 4)
		require.NoError(t, err)
		require.Len(t, rng, 3)
		assert.Equal(t, uint64(2), rng[0].Number)
		assert.Equal(t, uint64(4), rng[2].Number)
	})

	t.Run("FindByQueryIDHash", func(t *testing.T) {
		m, err := store.FindByQueryIDHash(ctx, ledger.HashQueryID("q-4"), ledger.Window{})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, uint64(4), m.Number)

		m, err = store.FindByQueryIDHash(ctx, ledger.HashQueryID("q-4"), ledger.Window{To: base})
		require.NoError(t, err)
		assert.Nil(t, m)

		m, err = store.FindByQueryIDHash(ctx, ledger.HashQueryID("nope"), ledger.Window{})
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("TimestampLifecycle", func(t *testing.T) {
		pending, err := store.PendingMessages(ctx, 3)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, uint64(1), pending[0].Number)


		ts := &ledger.TimestampRecord{
			Number:         1,
			Time:           base.Add(10 * time.Minute),
			Records:        []uint64{1, 2, 3},
			Token:          []byte("token"),
			HashAlgorithm:  "SHA-256",
			ManifestDigest: []byte{1, 2, 3},
		}
		require.NoError(t, store.CommitTimestamp(ctx, ts))

		head, err := store.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), head.TimestampNumber)
		assert.Equal(t, uint64(5), head.MessageNumber)

		// A batch overlapping a timestamped record is rejected as a whole.
		err = store.CommitTimestamp(ctx, &ledger.TimestampRecord{
			Number: 2, Time: base.Add(11 * time.Minute), Records: []uint64{3, 4},
		})
		assert.ErrorIs(t, err, ledger.ErrAlreadyTimestamped)
		m4, err := store.Message(ctx, 4)
		require.NoError(t, err)
		assert.Zero(t, m4.TimestampNumber)

		pending, err = store.PendingMessages(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, uint64(4), pending[0].Number)

		got, err := store.Timestamp(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, got.Records)
		assert.Equal(t, []byte("token"), got.Token)

		covered, err := store.MessagesForTimestamp(ctx, 1)
		require.NoError(t, err)
		require.Len(t, covered, 3)
		assert.Equal(t, ledger.StateTimestamped, covered[0].State())

		arch, err := store.ArchivableTimestamps(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, arch, 1)
		arch, err = store.ArchivableTimestamps(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, arch)

		archivedAt := base.Add(20 * time.Minute)
		require.NoError(t, store.MarkArchived(ctx, 1, archivedAt))
		m1, err := store.Message(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateArchived, m1.State())
		arch, err = store.ArchivableTimestamps(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, arch)

		removed, err := store.Purge(ctx, archivedAt)
		require.NoError(t, err)
		assert.Zero(t, removed, "cutoff is exclusive")

		removed, err = store.Purge(ctx, archivedAt.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(3), removed)

		_, err = store.Message(ctx, 1)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = store.Timestamp(ctx, 1)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		rest, err := store.Messages(ctx, 1, 5)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})

	t.Run("PurgeEverythingThenAppend", func(t *testing.T) {
		at := base.Add(30 * time.Minute)
		require.NoError(t, store.CommitTimestamp(ctx, &ledger.TimestampRecord{
			Number: 2, Time: base.Add(25 * time.Minute), Records: []uint64{4, 5},
		}))
		require.NoError(t, store.MarkArchived(ctx, 2, at))
		_, err := store.Purge(ctx, at.Add(time.Second))
		require.NoError(t, err)

		first, err := store.FirstMessage(ctx)
		require.NoError(t, err)
		require.Nil(t, first)
		last, err := store.LastMessage(ctx)
		require.NoError(t, err)
		require.Nil(t, last)

		head, err := store.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), head.MessageNumber)
		assert.Equal(t, prev, head.HashChain)
		assert.Equal(t, uint64(2), head.TimestampNumber)

		reused := &ledger.MessageRecord{Number: 1, Time: at, QueryIDHash: ledger.HashQueryID("q-1")}
		assert.ErrorIs(t, store.InsertMessage(ctx, reused), ledger.ErrDuplicate)

		next := &ledger.MessageRecord{
			Number:      6,
			Time:        at.Add(time.Minute),
			QueryIDHash: ledger.HashQueryID("q-6"),
			Message:     []byte("<msg>6</msg>"),
		}
		next.HashChain = ledger.ComputeHashChain(head.HashChain, next)
		require.NoError(t, store.InsertMessage(ctx, next))

		err = store.CommitTimestamp(ctx, &ledger.TimestampRecord{
			Number: 1, Time: at.Add(2 * time.Minute), Records: []uint64{6},
		})
		assert.ErrorIs(t, err, ledger.ErrDuplicate)
		require.NoError(t, store.CommitTimestamp(ctx, &ledger.TimestampRecord{
			Number: 3, Time: at.Add(2 * time.Minute), Records: []uint64{6},
		}))

		head, err = store.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), head.MessageNumber)
		assert.Equal(t, next.HashChain, head.HashChain)
		assert.Equal(t, uint64(3), head.TimestampNumber)
	})
}
