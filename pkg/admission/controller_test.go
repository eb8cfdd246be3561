package admission

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu    sync.Mutex
	usage Usage
	calls int
}

func (m *fakeMonitor) Usage(ctx context.Context) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.usage, nil
}

func (m *fakeMonitor) set(u Usage) {
	m.mu.Lock()
	m.usage = u
	m.mu.Unlock()
}

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, c *Controller) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := c.NextForProcessing(ctx)
	require.NoError(t, err)
	return conn
}

func assertBlocked(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	conn, err := c.NextForProcessing(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, conn)
}

func TestAdmissionBound(t *testing.T) {
	// K=2 permits, burst of M=5 connections.
	c := newTestController(t, Config{MaxParallel: 2, QueueSize: 10})

	var queued []*Conn
	for i := 0; i < 5; i++ {
		server, _ := pipeConn(t)
		queued = append(queued, c.OnAccept(server))
	}
	assert.Equal(t, 5, c.Stats().Queued)

	first := next(t, c)
	second := next(t, c)
	assert.Same(t, queued[0], first)
	assert.Same(t, queued[1], second)
	assertBlocked(t, c)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Processing)
	assert.Equal(t, 3, stats.Queued)

	// Each close admits exactly the next connection in arrival order.
	processing := []*Conn{first, second}
	for i := 2; i < 5; i++ {
		require.NoError(t, processing[0].Close())
		processing = processing[1:]
		conn := next(t, c)
		assert.Same(t, queued[i], conn)
		assert.Equal(t, StateProcessing, conn.State())
		processing = append(processing, conn)
		assert.Equal(t, int64(2), c.Stats().Processing)
		assertBlocked(t, c)
	}

	for _, conn := range processing {
		require.NoError(t, conn.Close())
	}
	assert.Equal(t, int64(0), c.Stats().Processing)
	assert.Equal(t, 0, c.Stats().Queued)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestController(t, Config{MaxParallel: 1, QueueSize: 4})
	server, _ := pipeConn(t)
	c.OnAccept(server)
	conn := next(t, c)

	require.NoError(t, conn.Close())
	_ = conn.Close()
	c.OnClosed(conn)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, int64(0), c.Stats().Processing)

	// Only one permit ever existed, so a double release would admit two.
	for i := 0; i < 2; i++ {
		s, _ := pipeConn(t)
		c.OnAccept(s)
	}
	next(t, c)
	assertBlocked(t, c)
}

func TestQueueOverflowShedsOldest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestController(t, Config{MaxParallel: 1, QueueSize: 2, Registerer: reg})

	var conns []*Conn
	for i := 0; i < 3; i++ {
		s, _ := pipeConn(t)
		conns = append(conns, c.OnAccept(s))
	}
	assert.Equal(t, StateClosed, conns[0].State())
	assert.Equal(t, StateQueued, conns[1].State())
	assert.Equal(t, 2, c.Stats().Queued)
	assert.Equal(t, int64(1), c.Stats().Shed)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.acceptedC))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.shedC))

	assert.Same(t, conns[1], next(t, c))
}

func TestClosedWhileQueuedLeavesQueue(t *testing.T) {
	c := newTestController(t, Config{MaxParallel: 1, QueueSize: 4})
	s1, _ := pipeConn(t)
	s2, _ := pipeConn(t)
	a := c.OnAccept(s1)
	b := c.OnAccept(s2)

	require.NoError(t, a.Close())
	assert.Equal(t, 1, c.Stats().Queued)
	assert.Same(t, b, next(t, c))
}

func TestCanAccept(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mon := &fakeMonitor{usage: Usage{FreeFileHandles: 500, CPUPercent: 10, MemoryPercent: 20}}
	c := newTestController(t, Config{
		MinFreeFileHandles: 100,
		MaxCPULoad:         80,
		MaxHeapUsage:       90,
		CheckInterval:      time.Second,
		Monitor:            mon,
		Now:                func() time.Time { return now },
	})

	tests := []struct {
		name   string
		usage  Usage
		accept bool
	}{
		{"within limits", Usage{FreeFileHandles: 500, CPUPercent: 10, MemoryPercent: 20}, true},
		{"few file handles", Usage{FreeFileHandles: 99, CPUPercent: 10, MemoryPercent: 20}, false},
		{"cpu load", Usage{FreeFileHandles: 500, CPUPercent: 81, MemoryPercent: 20}, false},
		{"memory", Usage{FreeFileHandles: 500, CPUPercent: 10, MemoryPercent: 95}, false},
		{"unavailable figures ignored", Usage{FreeFileHandles: -1, CPUPercent: -1, MemoryPercent: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon.set(tt.usage)
			now = now.Add(2 * time.Second)
			assert.Equal(t, tt.accept, c.CanAccept(context.Background()))
			assert.Equal(t, !tt.accept, c.Stats().Pressure)
		})
	}

	// Sampled at most once per interval.
	calls := mon.calls
	c.CanAccept(context.Background())
	c.CanAccept(context.Background())
	assert.Equal(t, calls, mon.calls)
}

func TestZeroThresholdsDisabled(t *testing.T) {
	mon := &fakeMonitor{usage: Usage{FreeFileHandles: 0, CPUPercent: 100, MemoryPercent: 100}}
	c := newTestController(t, Config{Monitor: mon})
	assert.True(t, c.CanAccept(context.Background()))
}

func TestNextForProcessingAfterClose(t *testing.T) {
	c := newTestController(t, Config{MaxParallel: 2})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.NextForProcessing(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()
	assert.ErrorIs(t, <-done, ErrControllerClosed)

	s, _ := pipeConn(t)
	conn := c.OnAccept(s)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, c.Stats().Queued)
}
