package timestamp

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

// HashAlgorithm names the manifest digest in timestamp records
const HashAlgorithm = "SHA-256"

// Ledger is the part of the ledger the Timestamper works on
type Ledger interface {
	PendingMessages(ctx context.Context, limit int) ([]*ledger.MessageRecord, error)
	CommitTimestamp(ctx context.Context, ts *ledger.TimestampRecord) (*ledger.TimestampRecord, error)
	SetDegraded(degraded bool)
}

// Config configures a Timestamper
type Config struct {
	Ledger      Ledger
	Source      TokenSource
	Authorities []Authority

	Interval                time.Duration
	MaxBatch                int
	Backoff                 Backoff
	AcceptableFailurePeriod time.Duration

	// Registerer receives the timestamper metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Authority states reported by Status
const (
	StateUninitialized = "uninitialized"
	StateOK            = "ok"
	StateFailing       = "failing"
)

// AuthorityStatus describes one authority
type AuthorityStatus struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	State        string    `json:"state"`
	LastSuccess  time.Time `json:"lastSuccess,omitempty"`
	FailingSince time.Time `json:"failingSince,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Status is the diagnostics snapshot of a Timestamper
type Status struct {
	Running      bool              `json:"running"`
	LastRun      time.Time         `json:"lastRun,omitempty"`
	LastSuccess  time.Time         `json:"lastSuccess,omitempty"`
	FirstFailure time.Time         `json:"firstFailure,omitempty"`
	Retry        int               `json:"retry"`
	NextAttempt  time.Time         `json:"nextAttempt,omitempty"`
	Degraded     bool              `json:"degraded"`
	Authorities  []AuthorityStatus `json:"authorities"`
}

// Timestamper covers pending ledger records with time-stamp tokens
type Timestamper struct {
	ledger      Ledger
	source      TokenSource
	authorities []Authority
	interval    time.Duration
	maxBatch    int
	backoff     Backoff
	failPeriod  time.Duration
	logger      *slog.Logger
	now         func() time.Time

	running atomic.Bool

	mu           sync.Mutex
	status       map[string]*AuthorityStatus
	lastRun      time.Time
	lastSuccess  time.Time
	firstFailure time.Time
	retry        int
	nextAttempt  time.Time
	degraded     bool

	batches  prometheus.Counter
	records  prometheus.Counter
	failures *prometheus.CounterVec

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Timestamper
func New(cfg Config) (*Timestamper, error) {
	if cfg.Ledger == nil || cfg.Source == nil {
		return nil, errors.New("timestamp: ledger and token source are required")
	}
	if len(cfg.Authorities) == 0 {
		return nil, errors.New("timestamp: at least one authority is required")
	}
	t := &Timestamper{
		ledger:      cfg.Ledger,
		source:      cfg.Source,
		authorities: cfg.Authorities,
		interval:    cfg.Interval,
		maxBatch:    cfg.MaxBatch,
		backoff:     cfg.Backoff,
		failPeriod:  cfg.AcceptableFailurePeriod,
		logger:      cfg.Logger,
		now:         cfg.Now,
		status:      make(map[string]*AuthorityStatus),
	}
	if t.interval == 0 {
		t.interval = time.Minute
	}
	if t.maxBatch == 0 {
		t.maxBatch = 10000
	}
	if t.backoff.Initial == 0 {
		t.backoff.Initial = 30 * time.Second
	}
	if t.backoff.Max == 0 {
		t.backoff.Max = 5 * time.Minute
	}
	if t.failPeriod == 0 {
		t.failPeriod = 30 * time.Minute
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "timestamper")
	if t.now == nil {
		t.now = time.Now
	}
	for _, a := range cfg.Authorities {
		t.status[a.Name] = &AuthorityStatus{Name: a.Name, URL: a.URL, State: StateUninitialized}
	}
	if cfg.Registerer != nil {
		f := promauto.With(cfg.Registerer)
		t.batches = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_timestamp_batches_total",
			Help: "Timestamp batches committed.",
		})
		t.records = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_timestamp_records_total",
			Help: "Ledger records covered by a timestamp.",
		})
		t.failures = f.NewCounterVec(prometheus.CounterOpts{
			Name: "secgw_timestamp_failures_total",
			Help: "Failed timestamp requests by authority.",
		}, []string{"authority"})
	}
	return t, nil
}

// Start begins periodic time-stamping
func (t *Timestamper) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)
	t.logger.Info("timestamper started", "interval", t.interval, "authorities", len(t.authorities))
}

// Stop gracefully stops the Timestamper
func (t *Timestamper) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.logger.Info("timestamper stopped")
}

func (t *Timestamper) run(ctx context.Context) {
	defer t.wg.Done()

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := t.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Error("timestamping failed", "error", err)
			}
			timer.Reset(t.nextWake())
		}
	}
}

func (t *Timestamper) nextWake() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.nextAttempt.IsZero() {
		if d := t.nextAttempt.Sub(t.now()); d > 0 && d < t.interval {
			return d
		}
	}
	return t.interval
}

// RunOnce time-stamps pending records and returns after the first failed
// batch. It returns nil without work when another run is in progress or
// a retry is not yet due.
func (t *Timestamper) RunOnce(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Debug("previous run still in progress, skipping")
		return nil
	}
	defer t.running.Store(false)

	now := t.now()
	t.mu.Lock()
	t.lastRun = now
	due := t.nextAttempt.IsZero() || !now.Before(t.nextAttempt)
	t.mu.Unlock()
	t.checkFailurePeriod(now)
	if !due {
		return nil
	}

	for {
		pending, err := t.ledger.PendingMessages(ctx, t.maxBatch)
		if err != nil {
			return t.fail(fmt.Errorf("reading pending records: %w", err))
		}
		if len(pending) == 0 {
			t.succeed()
			return nil
		}
		if err := t.stampBatch(ctx, pending); err != nil {
			return t.fail(err)
		}
		t.succeed()
		if len(pending) < t.maxBatch {
			return nil
		}
	}
}

// Manifest returns the bytes covered by the token of a batch
func Manifest(records []*ledger.MessageRecord) []byte {
	buf := make([]byte, 0, len(records)*(8+ledger.HashSize))
	for _, r := range records {
		buf = binary.BigEndian.AppendUint64(buf, r.Number)
		buf = append(buf, r.HashChain...)
	}
	return buf
}

func (t *Timestamper) stampBatch(ctx context.Context, records []*ledger.MessageRecord) error {
	manifest := Manifest(records)
	digest := sha256.Sum256(manifest)

	token, err := t.requestToken(ctx, manifest)
	if err != nil {
		return err
	}

	numbers := make([]uint64, len(records))
	for i, r := range records {
		numbers[i] = r.Number
	}
	rec, err := t.ledger.CommitTimestamp(ctx, &ledger.TimestampRecord{
		Time:           ledger.RecordTime(token.Time),
		Records:        numbers,
		Token:          token.Response,
		HashAlgorithm:  HashAlgorithm,
		ManifestDigest: digest[:],
	})
	if err != nil {
		return err
	}
	if t.batches != nil {
		t.batches.Inc()
		t.records.Add(float64(len(records)))
	}
	t.logger.Info("batch timestamped",
		"timestamp_number", rec.Number,
		"records", len(records),
		"first", numbers[0],
		"last", numbers[len(numbers)-1],
		"authority", token.Authority)
	return nil
}

func (t *Timestamper) requestToken(ctx context.Context, manifest []byte) (*Token, error) {
	var errs []error
	for _, a := range t.authorities {
		token, err := t.source.Timestamp(ctx, a, manifest)
		if err == nil {
			t.markAuthority(a.Name, nil)
			return token, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.markAuthority(a.Name, err)
		t.logger.Warn("timestamp authority failed", "authority", a.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
	}
	return nil, fmt.Errorf("no authority issued a token: %w", errors.Join(errs...))
}

func (t *Timestamper) markAuthority(name string, err error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status[name]
	if err == nil {
		s.State, s.LastSuccess, s.FailingSince, s.LastError = StateOK, now, time.Time{}, ""
		return
	}
	if s.State != StateFailing {
		s.FailingSince = now
	}
	s.State, s.LastError = StateFailing, err.Error()
	if t.failures != nil {
		t.failures.WithLabelValues(name).Inc()
	}
}

func (t *Timestamper) succeed() {
	t.mu.Lock()
	wasFailing := !t.firstFailure.IsZero()
	t.lastSuccess = t.now()
	t.firstFailure = time.Time{}
	t.retry = 0
	t.nextAttempt = time.Time{}
	degraded := t.degraded
	t.degraded = false
	t.mu.Unlock()

	if degraded {
		t.ledger.SetDegraded(false)
	}
	if wasFailing {
		t.logger.Info("timestamping recovered")
	}
}

func (t *Timestamper) fail(err error) error {
	now := t.now()
	t.mu.Lock()
	if t.firstFailure.IsZero() {
		t.firstFailure = now
	}
	delay, berr := t.backoff.Delay(t.retry)
	if berr != nil {
		t.retry = 0
		t.nextAttempt = time.Time{}
		err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	} else {
		t.retry++
		t.nextAttempt = now.Add(delay)
	}
	t.mu.Unlock()

	t.checkFailurePeriod(now)
	return err
}

// checkFailurePeriod fails closed once failures outlast the acceptable period
func (t *Timestamper) checkFailurePeriod(now time.Time) {
	t.mu.Lock()
	enter := !t.degraded && !t.firstFailure.IsZero() && now.Sub(t.firstFailure) > t.failPeriod
	if enter {
		t.degraded = true
	}
	since := t.firstFailure
	t.mu.Unlock()

	if enter {
		t.logger.Error("timestamping failing beyond acceptable period",
			"failing_since", since, "acceptable_failure_period", t.failPeriod)
		t.ledger.SetDegraded(true)
	}
}

// Status returns a diagnostics snapshot
func (t *Timestamper) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		Running:      t.running.Load(),
		LastRun:      t.lastRun,
		LastSuccess:  t.lastSuccess,
		FirstFailure: t.firstFailure,
		Retry:        t.retry,
		NextAttempt:  t.nextAttempt,
		Degraded:     t.degraded,
	}
	for _, a := range t.authorities {
		s.Authorities = append(s.Authorities, *t.status[a.Name])
	}
	return s
}
