package admission

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

// State is the admission state of a connection
type State int32

const (
	// StateAccepted is a connection that has not been queued yet
	StateAccepted State = iota
	// StateQueued is waiting for a processing permit
	StateQueued
	// StateProcessing holds a permit
	StateProcessing
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrControllerClosed is returned by NextForProcessing after Close
	ErrControllerClosed = errors.New("admission controller closed")
)

// Config configures a Controller. Zero thresholds are disabled.
type Config struct {
	MaxParallel        int
	QueueSize          int
	MinFreeFileHandles int64
	MaxCPULoad         float64
	MaxHeapUsage       float64
	// CheckInterval bounds how often the monitor is sampled and how often
	// a queued connection is shed under pressure
	CheckInterval time.Duration

	Monitor    ResourceMonitor
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Conn is a connection owned by a Controller
type Conn struct {
	net.Conn
	ctrl    *Controller
	arrived time.Time
	state   atomic.Int32
	once    sync.Once
	err     error
}

// Arrived returns when the connection was accepted
func (c *Conn) Arrived() time.Time { return c.arrived }

// State returns the current admission state
func (c *Conn) State() State { return State(c.state.Load()) }

// Close closes the connection and returns its permit. Only the first
// call has any effect.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.ctrl.OnClosed(c)
		c.err = c.Conn.Close()
	})
	return c.err
}

// Stats is a snapshot of controller state
type Stats struct {
	MaxParallel int   `json:"maxParallel"`
	QueueSize   int   `json:"queueSize"`
	Queued      int   `json:"queued"`
	Processing  int64 `json:"processing"`
	Accepted    int64 `json:"accepted"`
	Shed        int64 `json:"shed"`
	Pressure    bool  `json:"pressure"`
	Usage       Usage `json:"usage"`
}

// Controller admits connections under resource thresholds
type Controller struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	queue  []*Conn
	ready  chan struct{}
	done   chan struct{}
	closed bool

	usageMu   sync.Mutex
	usage     Usage
	pressure  bool
	checkedAt time.Time

	processing atomic.Int64
	accepted   atomic.Int64
	shed       atomic.Int64

	acceptedC   prometheus.Counter
	shedC       prometheus.Counter
	queuedG     prometheus.Gauge
	processingG prometheus.Gauge
}

// NewController creates a Controller
func NewController(cfg Config) (*Controller, error) {
	if cfg.MaxParallel < 0 || cfg.QueueSize < 0 {
		return nil, errors.New("admission: limits must not be negative")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 32
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 128
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Second
	}
	c := &Controller{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxParallel)),
		logger: cfg.Logger,
		now:    cfg.Now,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "admission")
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Registerer != nil {
		f := promauto.With(cfg.Registerer)
		c.acceptedC = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_admission_accepted_total",
			Help: "Connections accepted into the queue.",
		})
		c.shedC = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_admission_shed_total",
			Help: "Queued connections closed before processing.",
		})
		c.queuedG = f.NewGauge(prometheus.GaugeOpts{
			Name: "secgw_admission_queued",
			Help: "Connections waiting for a processing permit.",
		})
		c.processingG = f.NewGauge(prometheus.GaugeOpts{
			Name: "secgw_admission_processing",
			Help: "Connections holding a processing permit.",
		})
	}
	return c, nil
}

// CanAccept reports whether resources allow accepting a new connection.
// The monitor is sampled at most once per check interval.
func (c *Controller) CanAccept(ctx context.Context) bool {
	if c.cfg.Monitor == nil {
		return true
	}
	c.usageMu.Lock()
	defer c.usageMu.Unlock()

	now := c.now()
	if !c.checkedAt.IsZero() && now.Sub(c.checkedAt) < c.cfg.CheckInterval {
		return !c.pressure
	}
	c.checkedAt = now

	u, err := c.cfg.Monitor.Usage(ctx)
	if err != nil {
		c.logger.Warn("resource monitor failed", "error", err)
	}
	c.usage = u
	c.pressure = c.overThreshold(u)
	if c.pressure {
		c.logger.Warn("resource pressure, not accepting",
			"free_file_handles", u.FreeFileHandles,
			"cpu_percent", u.CPUPercent,
			"memory_percent", u.MemoryPercent)
	}
	return !c.pressure
}

func (c *Controller) overThreshold(u Usage) bool {
	if c.cfg.MinFreeFileHandles > 0 && u.FreeFileHandles >= 0 && u.FreeFileHandles < c.cfg.MinFreeFileHandles {
		return true
	}
	if c.cfg.MaxCPULoad > 0 && u.CPUPercent >= 0 && u.CPUPercent > c.cfg.MaxCPULoad {
		return true
	}
	if c.cfg.MaxHeapUsage > 0 && u.MemoryPercent >= 0 && u.MemoryPercent > c.cfg.MaxHeapUsage {
		return true
	}
	return false
}

// OnAccept takes ownership of conn and queues it. When the queue is full
// the oldest queued connection is shed.
func (c *Controller) OnAccept(conn net.Conn) *Conn {
	ac := &Conn{Conn: conn, ctrl: c, arrived: c.now()}
	ac.state.Store(int32(StateQueued))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ac.state.Store(int32(StateClosed))
		_ = conn.Close()
		return ac
	}
	var victim *Conn
	if len(c.queue) >= c.cfg.QueueSize {
		victim = c.queue[0]
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, ac)
	queued := len(c.queue)
	c.mu.Unlock()

	c.accepted.Add(1)
	inc(c.acceptedC)
	setGauge(c.queuedG, float64(queued))
	if victim != nil {
		c.logger.Debug("queue full, shedding oldest", "remote_addr", victim.RemoteAddr())
		c.closeShed(victim)
	}
	c.signal()
	return ac
}

// ShedOldest closes the oldest queued connection. It reports whether a
// connection was shed.
func (c *Controller) ShedOldest() bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	victim := c.queue[0]
	c.queue = c.queue[1:]
	queued := len(c.queue)
	c.mu.Unlock()

	setGauge(c.queuedG, float64(queued))
	c.logger.Debug("shedding oldest queued connection", "remote_addr", victim.RemoteAddr(),
		"waited", c.now().Sub(victim.arrived))
	c.closeShed(victim)
	return true
}

func (c *Controller) closeShed(victim *Conn) {
	c.shed.Add(1)
	inc(c.shedC)
	_ = victim.Close()
}

// NextForProcessing blocks until a permit is free and a connection is
// queued, then returns the oldest queued connection in StateProcessing.
// It must be called from a single dispatch loop.
func (c *Controller) NextForProcessing(ctx context.Context) (*Conn, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.sem.Release(1)
			return nil, ErrControllerClosed
		}
		if len(c.queue) > 0 {
			conn := c.queue[0]
			c.queue = c.queue[1:]
			queued := len(c.queue)
			// Under mu, so OnClosed either already removed it or sees Processing.
			conn.state.Store(int32(StateProcessing))
			c.mu.Unlock()

			n := c.processing.Add(1)
			setGauge(c.queuedG, float64(queued))
			setGauge(c.processingG, float64(n))
			return conn, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
		case <-ctx.Done():
			c.sem.Release(1)
			return nil, ctx.Err()
		}
	}
}

// OnClosed returns the permit held by conn, or removes it from the queue.
// Calling it more than once has no further effect.
func (c *Controller) OnClosed(conn *Conn) {
	c.mu.Lock()
	prev := State(conn.state.Swap(int32(StateClosed)))
	if prev == StateQueued {
		for i, q := range c.queue {
			if q == conn {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	}
	queued := len(c.queue)
	c.mu.Unlock()

	switch prev {
	case StateProcessing:
		n := c.processing.Add(-1)
		c.sem.Release(1)
		setGauge(c.processingG, float64(n))
	case StateQueued:
		setGauge(c.queuedG, float64(queued))
	}
}

// Close stops dispatching and closes every queued connection. Connections
// already handed out stay open.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queue := c.queue
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	for _, conn := range queue {
		_ = conn.Close()
	}
	setGauge(c.queuedG, 0)
}

// Stats returns a snapshot for diagnostics
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	c.usageMu.Lock()
	usage, pressure := c.usage, c.pressure
	c.usageMu.Unlock()
	return Stats{
		MaxParallel: c.cfg.MaxParallel,
		QueueSize:   c.cfg.QueueSize,
		Queued:      queued,
		Processing:  c.processing.Load(),
		Accepted:    c.accepted.Load(),
		Shed:        c.shed.Load(),
		Pressure:    pressure,
		Usage:       usage,
	}
}

func (c *Controller) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func inc(ctr prometheus.Counter) {
	if ctr != nil {
		ctr.Inc()
	}
}

func setGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}
