package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

// Searcher looks up records in archive files
type Searcher struct {
	dir string
}

// NewSearcher creates a Searcher over dir
func NewSearcher(dir string) *Searcher {
	return &Searcher{dir: dir}
}

// Files returns the completed archive files, oldest first
func (s *Searcher) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(s.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// FindByQueryIDHash returns the newest archived record with the given
// query id hash inside the window, or nil.
func (s *Searcher) FindByQueryIDHash(ctx context.Context, hash []byte, window ledger.Window) (*ledger.MessageRecord, error) {
	files, err := s.Files()
	if err != nil {
		return nil, fmt.Errorf("listing archive files: %w", err)
	}
	var found *ledger.MessageRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.scanFile(path, func(rec *ledger.MessageRecord) {
			if !bytes.Equal(rec.QueryIDHash, hash) || !window.Contains(rec.Time) {
				return
			}
			if found == nil || rec.Number > found.Number {
				found = rec
			}
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", filepath.Base(path), err)
		}
	}
	return found, nil
}

// Batch reads a timestamp batch and its records from the archive
func (s *Searcher) Batch(ctx context.Context, tsNumber uint64) (*ledger.TimestampRecord, []*ledger.MessageRecord, error) {
	files, err := s.Files()
	if err != nil {
		return nil, nil, err
	}
	for _, path := range files {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, nil, err
		}
		ts, recs, err := readBatch(&zr.Reader, entryName(tsNumber))
		zr.Close()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return ts, recs, err
	}
	return nil, nil, fmt.Errorf("%w: archived timestamp %d", ledger.ErrNotFound, tsNumber)
}

// entries maps the entry name of every archived batch to its file name
func (s *Searcher) entries() (map[string]string, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, path := range files {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
		}
		for _, f := range zr.File {
			out[f.Name] = filepath.Base(path)
		}
		zr.Close()
	}
	return out, nil
}

func readBatch(zr *zip.Reader, name string) (*ledger.TimestampRecord, []*ledger.MessageRecord, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		var ts *ledger.TimestampRecord
		var recs []*ledger.MessageRecord
		err := readEntry(f, func(r *ledger.MessageRecord) { recs = append(recs, r) },
			func(t *ledger.TimestampRecord) { ts = t })
		if err != nil {
			return nil, nil, err
		}
		if ts == nil {
			return nil, nil, fmt.Errorf("%w: entry %s has no TIMESTAMP line", ledger.ErrFlatFormat, name)
		}
		return ts, recs, nil
	}
	return nil, nil, os.ErrNotExist
}

func (s *Searcher) scanFile(path string, onMessage func(*ledger.MessageRecord), onTimestamp func(*ledger.TimestampRecord)) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if err := readEntry(f, onMessage, onTimestamp); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func readEntry(f *zip.File, onMessage func(*ledger.MessageRecord), onTimestamp func(*ledger.TimestampRecord)) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	fr := ledger.NewFlatReader(rc)
	for {
		e, err := fr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case e.Message != nil && onMessage != nil:
			e.Message.Archived = true
			onMessage(e.Message)
		case e.Timestamp != nil && onTimestamp != nil:
			e.Timestamp.Archived = true
			onTimestamp(e.Timestamp)
		}
	}
}
