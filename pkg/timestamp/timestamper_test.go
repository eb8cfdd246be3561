package timestamp

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu       sync.Mutex
	fail     map[string]bool
	calls    []string
	contents [][]byte
	block    chan struct{}
}

func (s *fakeSource) Timestamp(ctx context.Context, a Authority, content []byte) (*Token, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, a.Name)
	s.contents = append(s.contents, content)
	if s.fail[a.Name] {
		return nil, errors.New("unavailable")
	}
	return &Token{Authority: a.Name, Response: []byte("token-" + a.Name), Time: time.Unix(1700000000, 0)}, nil
}

func (s *fakeSource) setFail(name string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[string]bool)
	}
	s.fail[name] = fail
}

type fixture struct {
	clock  *clock
	ledger *ledger.Ledger
	store  *ledger.MemoryStore
	source *fakeSource
	ts     *Timestamper
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, maxBatch int) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		store:  ledger.NewMemoryStore(),
		source: &fakeSource{},
		reg:    prometheus.NewRegistry(),
	}
	var err error
	f.ledger, err = ledger.New(context.Background(), ledger.Config{Store: f.store, Now: f.clock.Now})
	require.NoError(t, err)
	f.ts, err = New(Config{
		Ledger:                  f.ledger,
		Source:                  f.source,
		Authorities:             []Authority{{Name: "primary", URL: "http://a"}, {Name: "backup", URL: "http://b"}},
		MaxBatch:                maxBatch,
		Backoff:                 Backoff{Initial: 30 * time.Second, Max: 300 * time.Second},
		AcceptableFailurePeriod: 30 * time.Minute,
		Registerer:              f.reg,
		Now:                     f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) append(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.Append(context.Background(), "q", []byte("m"), []byte("s"))
		require.NoError(t, err)
	}
}

func TestRunOnceStampsInBatches(t *testing.T) {
	f := newFixture(t, 3)
	f.append(t, 7)

	require.NoError(t, f.ts.RunOnce(context.Background()))

	pending, err := f.store.PendingMessages(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	head, err := f.store.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.TimestampNumber)

	ts1, err := f.store.Timestamp(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ts1.Records)
	assert.Equal(t, []byte("token-primary"), ts1.Token)
	assert.Equal(t, HashAlgorithm, ts1.HashAlgorithm)

	recs, err := f.store.Messages(context.Background(), 1, 3)
	require.NoError(t, err)
	manifest := Manifest(recs)
	assert.Len(t, manifest, 3*(8+32))
	digest := sha256.Sum256(manifest)
	assert.Equal(t, digest[:], ts1.ManifestDigest)
	assert.Equal(t, manifest, f.source.contents[0])

	ts3, err := f.store.Timestamp(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, ts3.Records)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.ts.batches))
	assert.Equal(t, 7.0, testutil.ToFloat64(f.ts.records))
}

func TestAuthorityFallback(t *testing.T) {
	f := newFixture(t, 10)
	f.append(t, 2)
	f.source.setFail("primary", true)

	require.NoError(t, f.ts.RunOnce(context.Background()))
	assert.Equal(t, []string{"primary", "backup"}, f.source.calls)

	ts1, err := f.store.Timestamp(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("token-backup"), ts1.Token)

	st := f.ts.Status()
	require.Len(t, st.Authorities, 2)
	assert.Equal(t, StateFailing, st.Authorities[0].State)
	assert.Equal(t, "unavailable", st.Authorities[0].LastError)
	assert.Equal(t, StateOK, st.Authorities[1].State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.ts.failures.WithLabelValues("primary")))
}

func TestBackoffThenRetriesExhausted(t *testing.T) {
	f := newFixture(t, 10)
	f.append(t, 1)
	f.source.setFail("primary", true)
	f.source.setFail("backup", true)
	ctx := context.Background()

	for _, want := range []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second} {
		err := f.ts.RunOnce(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
		st := f.ts.Status()
		assert.Equal(t, want, st.NextAttempt.Sub(f.clock.Now()))

		// Not due yet: no request is made.
		calls := len(f.source.calls)
		f.clock.Advance(want - time.Second)
		require.NoError(t, f.ts.RunOnce(ctx))
		assert.Len(t, f.source.calls, calls)
		f.clock.Advance(time.Second)
	}

	err := f.ts.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 0, f.ts.Status().Retry)
	assert.True(t, f.ts.Status().NextAttempt.IsZero())
	// 4 attempts against 2 authorities
	assert.Len(t, f.source.calls, 8)
}

func TestFailClosedAfterAcceptablePeriod(t *testing.T) {
	f := newFixture(t, 10)
	f.append(t, 1)
	f.source.setFail("primary", true)
	f.source.setFail("backup", true)
	ctx := context.Background()

	require.Error(t, f.ts.RunOnce(ctx))
	first := f.clock.Now()

	for f.clock.Now().Sub(first) <= 30*time.Minute {
		_, err := f.ledger.Append(ctx, "q", []byte("m"), nil)
		require.NoError(t, err, "appends allowed within the acceptable period")
		f.clock.Advance(5 * time.Minute)
		_ = f.ts.RunOnce(ctx)
	}

	degraded, _ := f.ledger.Degraded()
	assert.True(t, degraded)
	assert.True(t, f.ts.Status().Degraded)
	_, err := f.ledger.Append(ctx, "q", []byte("m"), nil)
	assert.ErrorIs(t, err, ledger.ErrLoggingUnavailable)

	// Recovery clears degraded mode.
	f.source.setFail("backup", false)
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.ts.RunOnce(ctx))
	degraded, _ = f.ledger.Degraded()
	assert.False(t, degraded)
	assert.True(t, f.ts.Status().FirstFailure.IsZero())
	_, err = f.ledger.Append(ctx, "q", []byte("m"), nil)
	assert.NoError(t, err)
}

func TestRunOnceSkipsWhileRunning(t *testing.T) {
	f := newFixture(t, 10)
	f.append(t, 1)
	f.source.block = make(chan struct{})

	done := make(chan error)
	go func() { done <- f.ts.RunOnce(context.Background()) }()
	require.Eventually(t, func() bool { return f.ts.Status().Running }, time.Second, time.Millisecond)

	require.NoError(t, f.ts.RunOnce(context.Background()))
	close(f.source.block)
	require.NoError(t, <-done)
	assert.Len(t, f.source.calls, 1)
}

func TestStartStop(t *testing.T) {
	store := ledger.NewMemoryStore()
	l, err := ledger.New(context.Background(), ledger.Config{Store: store})
	require.NoError(t, err)
	_, err = l.Append(context.Background(), "q", []byte("m"), nil)
	require.NoError(t, err)

	tsr, err := New(Config{
		Ledger:      l,
		Source:      &fakeSource{},
		Authorities: []Authority{{Name: "a"}},
		Interval:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	tsr.Start(context.Background())
	defer tsr.Stop()

	assert.Eventually(t, func() bool {
		pending, err := store.PendingMessages(context.Background(), 0)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Ledger: &ledger.Ledger{}, Source: &fakeSource{}})
	assert.Error(t, err)
}
