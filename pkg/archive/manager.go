package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

const (
	filePrefix = "archive-"
	fileSuffix = ".zip"
	partSuffix = ".part"
)

// Config configures a Manager
type Config struct {
	Store ledger.Store
	Dir   string

	Interval     time.Duration
	ArchiveAfter time.Duration
	PurgeAfter   time.Duration
	MaxFileSize  int64
	// BatchLimit bounds the timestamp batches archived per run
	BatchLimit int

	// Registerer receives the archive metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager archives and purges ledger records
type Manager struct {
	store        ledger.Store
	dir          string
	searcher     *Searcher
	interval     time.Duration
	archiveAfter time.Duration
	purgeAfter   time.Duration
	maxFileSize  int64
	batchLimit   int
	logger       *slog.Logger
	now          func() time.Time

	running atomic.Bool

	archived prometheus.Counter
	files    prometheus.Counter
	purged   prometheus.Counter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager and the archive directory
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("archive: store is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("archive: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	m := &Manager{
		store:        cfg.Store,
		dir:          cfg.Dir,
		searcher:     NewSearcher(cfg.Dir),
		interval:     cfg.Interval,
		archiveAfter: cfg.ArchiveAfter,
		purgeAfter:   cfg.PurgeAfter,
		maxFileSize:  cfg.MaxFileSize,
		batchLimit:   cfg.BatchLimit,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if m.interval == 0 {
		m.interval = 10 * time.Minute
	}
	if m.archiveAfter == 0 {
		m.archiveAfter = 24 * time.Hour
	}
	if m.purgeAfter < m.archiveAfter {
		m.purgeAfter = m.archiveAfter
	}
	if m.maxFileSize == 0 {
		m.maxFileSize = 100 << 20
	}
	if m.batchLimit == 0 {
		m.batchLimit = 1000
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "archive")
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.Registerer != nil {
		f := promauto.With(cfg.Registerer)
		m.archived = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_archive_batches_total",
			Help: "Timestamp batches written to archive files.",
		})
		m.files = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_archive_files_total",
			Help: "Archive files completed.",
		})
		m.purged = f.NewCounter(prometheus.CounterOpts{
			Name: "secgw_archive_purged_records_total",
			Help: "Message records removed from the online store.",
		})
	}
	return m, nil
}

// Start begins periodic archival
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info("archive manager started", "interval", m.interval, "dir", m.dir)
}

// Stop gracefully stops the Manager
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("archive manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("archival failed, retrying next run", "error", err)
			}
		}
	}
}

// RunOnce archives due batches and then purges records whose retention
// has passed. Purging is skipped when archival failed.
func (m *Manager) RunOnce(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug("previous run still in progress, skipping")
		return nil
	}
	defer m.running.Store(false)

	now := m.now()
	if err := m.archive(ctx, now); err != nil {
		return err
	}

	cutoff := now.Add(-(m.purgeAfter - m.archiveAfter))
	n, err := m.store.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging archived records: %w", err)
	}
	if n > 0 {
		if m.purged != nil {
			m.purged.Add(float64(n))
		}
		m.logger.Info("purged archived records", "records", n, "archived_before", cutoff)
	}
	return nil
}

type pendingBatch struct {
	ts      *ledger.TimestampRecord
	records []*ledger.MessageRecord
	size    int64
}

func (m *Manager) archive(ctx context.Context, now time.Time) error {
	batches, err := m.store.ArchivableTimestamps(ctx, now.Add(-m.archiveAfter), m.batchLimit)
	if err != nil {
		return fmt.Errorf("listing batches: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}
	// A batch already in a file was written by a run that failed to mark it.
	written, err := m.searcher.entries()
	if err != nil {
		return fmt.Errorf("listing archived batches: %w", err)
	}

	var group []*pendingBatch
	var groupSize int64
	for _, ts := range batches {
		if file, ok := written[entryName(ts.Number)]; ok {
			m.logger.Warn("batch already in archive file, marking archived",
				"batch", ts.Number, "file", file)
			if err := m.store.MarkArchived(ctx, ts.Number, now); err != nil {
				return fmt.Errorf("marking batch %d archived: %w", ts.Number, err)
			}
			continue
		}
		records, err := m.store.MessagesForTimestamp(ctx, ts.Number)
		if err != nil {
			return fmt.Errorf("reading records of batch %d: %w", ts.Number, err)
		}
		b := &pendingBatch{ts: ts, records: records, size: estimate(ts, records)}
		if len(group) > 0 && groupSize+b.size > m.maxFileSize {
			if err := m.commit(ctx, group, now); err != nil {
				return err
			}
			group, groupSize = nil, 0
		}
		group = append(group, b)
		groupSize += b.size
	}
	return m.commit(ctx, group, now)
}

// commit writes one archive file and marks its batches archived
func (m *Manager) commit(ctx context.Context, group []*pendingBatch, now time.Time) error {
	if len(group) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s%s-%s%s", filePrefix, now.UTC().Format("20060102T150405Z"),
		strings.ReplaceAll(uuid.New().String(), "-", "")[:8], fileSuffix)
	path := filepath.Join(m.dir, name)

	if err := writeFile(path, group); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if m.files != nil {
		m.files.Inc()
	}

	for _, b := range group {
		if err := m.store.MarkArchived(ctx, b.ts.Number, now); err != nil {
			m.logger.Error("archive file written but batch not marked archived",
				"file", name, "batch", b.ts.Number, "error", err)
			return fmt.Errorf("marking batch %d archived: %w", b.ts.Number, err)
		}
		if m.archived != nil {
			m.archived.Inc()
		}
	}
	m.logger.Info("archive file written",
		"file", name,
		"batches", len(group),
		"first_batch", group[0].ts.Number,
		"last_batch", group[len(group)-1].ts.Number)
	return nil
}

func writeFile(path string, group []*pendingBatch) (err error) {
	tmp := path + partSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	zw := zip.NewWriter(f)
	for _, b := range group {
		if err = writeEntry(zw, b); err != nil {
			return err
		}
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func writeEntry(zw *zip.Writer, b *pendingBatch) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entryName(b.ts.Number),
		Method:   zip.Deflate,
		Modified: b.ts.Time,
	})
	if err != nil {
		return err
	}
	fw := ledger.NewFlatWriter(w)
	for _, r := range b.records {
		if err := fw.WriteMessage(r); err != nil {
			return err
		}
	}
	if err := fw.WriteTimestamp(b.ts); err != nil {
		return err
	}
	return fw.Flush()
}

func entryName(tsNumber uint64) string {
	return fmt.Sprintf("batch-%020d.log", tsNumber)
}

// estimate is an upper bound of the uncompressed entry size
func estimate(ts *ledger.TimestampRecord, records []*ledger.MessageRecord) int64 {
	n := int64(len(ts.Token))*4/3 + 256
	for _, r := range records {
		n += int64(len(r.Message)+len(r.Signature))*4/3 + 256
	}
	return n
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
