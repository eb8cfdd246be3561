package mongodb

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
	"github.com/sirosfoundation/go-secgw/pkg/ledger/storetest"
)

func newTestStore(t *testing.T, inlineLimit int) *Store {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewStore(ctx, &Config{
		URI:         uri,
		Database:    "secgw_test_" + uuid.New().String()[:8],
		InlineLimit: inlineLimit,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.db.Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, newTestStore(t, 0))
}

func TestLargeMessageUsesGridFS(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()

	big := bytes.Repeat([]byte("A"), 4096)
	rec := &ledger.MessageRecord{
		Number:      1,
		Time:        time.Now(),
		QueryIDHash: ledger.HashQueryID("big"),
		Message:     big,
	}
	rec.HashChain = ledger.ComputeHashChain(nil, rec)
	require.NoError(t, s.InsertMessage(ctx, rec))

	got, err := s.Message(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, big, got.Message)
	assert.Equal(t, rec.HashChain, ledger.ComputeHashChain(nil, got))

	require.NoError(t, s.CommitTimestamp(ctx, &ledger.TimestampRecord{Number: 1, Time: time.Now().Add(-time.Hour), Records: []uint64{1}}))
	require.NoError(t, s.MarkArchived(ctx, 1, time.Now().Add(-time.Minute)))
	removed, err := s.Purge(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := s.gridfs.GetFilesCollection().CountDocuments(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Zero(t, n)
}
