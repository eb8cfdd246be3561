package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ArchiveSearcher looks up records that are no longer in the online store
type ArchiveSearcher interface {
	FindByQueryIDHash(ctx context.Context, hash []byte, window Window) (*MessageRecord, error)
}

// Config configures a Ledger
type Config struct {
	Store   Store
	Archive ArchiveSearcher
	// Registerer receives the ledger metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Ledger appends messages to a hash chain held in a Store
type Ledger struct {
	store   Store
	archive ArchiveSearcher
	logger  *slog.Logger
	now     func() time.Time

	degraded      atomic.Bool
	degradedSince atomic.Int64

	mu         sync.Mutex
	headNumber uint64
	headHash   []byte
	headStale  bool

	tsMu sync.Mutex

	appends     prometheus.Counter
	refused     prometheus.Counter
	chainBreaks prometheus.Counter
	degradedG   prometheus.Gauge
}

// New creates a Ledger and loads the chain head from the store
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	l := &Ledger{
		store:   cfg.Store,
		archive: cfg.Archive,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if cfg.Registerer != nil {
		f := promauto.With(cfg.Registerer)
		l.appends = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_ledger_appended_total",
			Help: "Messages appended to the ledger.",
		})
		l.refused = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_ledger_refused_total",
			Help: "Appends refused while logging was unavailable.",
		})
		l.chainBreaks = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_ledger_chain_mismatches_total",
			Help: "Records whose hash chain value did not verify.",
		})
		l.degradedG = f.NewGauge(prometheus.GaugeOpts{
			Name: "secgw_ledger_degraded",
			Help: "1 while the ledger refuses appends.",
		})
	}
	if err := l.loadHead(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Store returns the underlying store
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) loadHead(ctx context.Context) error {
	head, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("loading chain head: %w", err)
	}
	l.headNumber, l.headHash = head.MessageNumber, head.HashChain
	if l.headNumber == 0 {
		l.headHash = nil
	}
	l.headStale = false
	return nil
}

// Append logs a message and its signature as the next chain record
func (l *Ledger) Append(ctx context.Context, queryID string, message, signature []byte) (*MessageRecord, error) {
	if l.degraded.Load() {
		inc(l.refused)
		return nil, ErrLoggingUnavailable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.headStale {
		if err := l.loadHead(ctx); err != nil {
			return nil, err
		}
	}

	rec := &MessageRecord{
		Number:      l.headNumber + 1,
		Time:        RecordTime(l.now()),
		QueryIDHash: HashQueryID(queryID),
		Message:     message,
		Signature:   signature,
	}
	rec.HashChain = ComputeHashChain(l.headHash, rec)

	if err := l.store.InsertMessage(ctx, rec); err != nil {
		// The write may have landed; re-read the head before the next append.
		l.headStale = true
		return nil, fmt.Errorf("storing message %d: %w", rec.Number, err)
	}
	l.headNumber, l.headHash = rec.Number, rec.HashChain
	inc(l.appends)
	return rec, nil
}

// SetDegraded switches the refusal of appends on or off
func (l *Ledger) SetDegraded(degraded bool) {
	if l.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		l.degradedSince.Store(l.now().UnixMilli())
		l.logger.Error("ledger entering degraded mode, refusing new messages")
		setGauge(l.degradedG, 1)
	} else {
		l.degradedSince.Store(0)
		l.logger.Info("ledger leaving degraded mode")
		setGauge(l.degradedG, 0)
	}
}

// Degraded reports whether appends are refused and since when
func (l *Ledger) Degraded() (bool, time.Time) {
	if !l.degraded.Load() {
		return false, time.Time{}
	}
	return true, time.UnixMilli(l.degradedSince.Load())
}

// PendingMessages returns up to limit records awaiting a timestamp
func (l *Ledger) PendingMessages(ctx context.Context, limit int) ([]*MessageRecord, error) {
	return l.store.PendingMessages(ctx, limit)
}

// CommitTimestamp assigns the next timestamp number to ts and stores it
// together with the back-references of its records.
func (l *Ledger) CommitTimestamp(ctx context.Context, ts *TimestampRecord) (*TimestampRecord, error) {
	if len(ts.Records) == 0 {
		return nil, errors.New("ledger: timestamp covers no records")
	}
	l.tsMu.Lock()
	defer l.tsMu.Unlock()

	head, err := l.store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading head: %w", err)
	}
	rec := ts.Clone()
	rec.Number = head.TimestampNumber + 1
	if rec.Time.IsZero() {
		rec.Time = RecordTime(l.now())
	}
	if err := l.store.CommitTimestamp(ctx, rec); err != nil {
		return nil, fmt.Errorf("committing timestamp %d: %w", rec.Number, err)
	}
	return rec, nil
}

// ChainReport is the result of VerifyChain
type ChainReport struct {
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	Checked int    `json:"checked"`
	// Mismatched lists records whose stored chain value differs from the
	// recomputed one.
	Mismatched []uint64 `json:"mismatched,omitempty"`
	// Missing lists numbers absent from the online store
	Missing []uint64 `json:"missing,omitempty"`
	// Anchor is the first online record whose predecessor was purged.
	// Its chain value is trusted, not recomputed.
	Anchor uint64 `json:"anchor,omitempty"`
}

// OK reports whether every checked record verified
func (r *ChainReport) OK() bool {
	return len(r.Mismatched) == 0 && len(r.Missing) == 0
}

// VerifyChain recomputes the chain over from..to. A to of zero means up
// to the last record. Each value is derived from the recomputed value of
// its predecessor, so a changed message or signature reports that record
// and every record after it.
//
// A range reaching below the first online record starts at that record.
// When its predecessor has been purged, its stored chain value anchors
// the check of the records after it.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) (*ChainReport, error) {
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		return nil, fmt.Errorf("ledger: invalid range %d..%d", from, to)
	}
	first, err := l.store.FirstMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading first message: %w", err)
	}
	if first == nil || (to != 0 && to < first.Number) {
		return &ChainReport{From: from, To: to}, nil
	}
	if from < first.Number {
		from = first.Number
	}
	if to == 0 {
		last, err := l.store.LastMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading last message: %w", err)
		}
		if last == nil {
			return &ChainReport{From: from}, nil
		}
		to = last.Number
	}

	var prev []byte
	anchored := false
	if from > 1 {
		p, err := l.store.Message(ctx, from-1)
		switch {
		case err == nil:
			prev = p.HashChain
		case errors.Is(err, ErrNotFound) && from == first.Number:
			anchored = true
		default:
			return nil, fmt.Errorf("reading predecessor %d: %w", from-1, err)
		}
	}

	recs, err := l.store.Messages(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading messages %d..%d: %w", from, to, err)
	}

	report := &ChainReport{From: from, To: to}
	next := from
	for _, rec := range recs {
		for ; next < rec.Number; next++ {
			report.Missing = append(report.Missing, next)
		}
		next = rec.Number + 1
		if anchored {
			anchored = false
			report.Anchor = rec.Number
			prev = rec.HashChain
			continue
		}
		report.Checked++

		expected := ComputeHashChain(prev, rec)
		if !bytes.Equal(expected, rec.HashChain) {
			report.Mismatched = append(report.Mismatched, rec.Number)
		}
		prev = expected
	}
	for ; next <= to; next++ {
		report.Missing = append(report.Missing, next)
	}

	if len(report.Mismatched) > 0 {
		add(l.chainBreaks, float64(len(report.Mismatched)))
		l.logger.Error("hash chain verification failed",
			"from", from, "to", to,
			"first_mismatch", report.Mismatched[0],
			"mismatches", len(report.Mismatched))
	}
	return report, nil
}

// FindByQueryID returns the newest record logged for queryID inside the
// window, searching the online store first and then the archive.
// It returns nil when no record exists.
func (l *Ledger) FindByQueryID(ctx context.Context, queryID string, window Window) (*MessageRecord, error) {
	hash := HashQueryID(queryID)
	rec, err := l.store.FindByQueryIDHash(ctx, hash, window)
	if err != nil {
		return nil, fmt.Errorf("searching online store: %w", err)
	}
	if rec != nil || l.archive == nil {
		return rec, nil
	}
	rec, err = l.archive.FindByQueryIDHash(ctx, hash, window)
	if err != nil {
		return nil, fmt.Errorf("searching archive: %w", err)
	}
	return rec, nil
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func add(c prometheus.Counter, v float64) {
	if c != nil {
		c.Add(v)
	}
}

func setGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}
