package ledger

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Line tags of the flat record format
const (
	TagSOAP      = "SOAP"
	TagSignature = "SIGNATURE"
	TagTimestamp = "TIMESTAMP"
)

const flatSep = "|"

// ErrFlatFormat is returned for malformed flat format input
var ErrFlatFormat = errors.New("ledger: malformed flat record")

// FlatWriter writes records in the line oriented flat format:
//
//	SOAP|<number>|<unix ms>|<hex query id hash>|<hex chain>|<timestamp number>|<base64 message>
//	SIGNATURE|<number>|<base64 signature>
//	TIMESTAMP|<number>|<unix ms>|<hash algorithm>|<hex digest>|<n1,n2,...>|<base64 token>
type FlatWriter struct {
	w *bufio.Writer
}

// NewFlatWriter creates a FlatWriter
func NewFlatWriter(w io.Writer) *FlatWriter {
	return &FlatWriter{w: bufio.NewWriter(w)}
}

// WriteMessage writes a SOAP line followed by its SIGNATURE line
func (fw *FlatWriter) WriteMessage(rec *MessageRecord) error {
	fields := []string{
		TagSOAP,
		strconv.FormatUint(rec.Number, 10),
		strconv.FormatInt(rec.Time.UnixMilli(), 10),
		hex.EncodeToString(rec.QueryIDHash),
		hex.EncodeToString(rec.HashChain),
		strconv.FormatUint(rec.TimestampNumber, 10),
		base64.StdEncoding.EncodeToString(rec.Message),
	}
	if err := fw.line(fields); err != nil {
		return err
	}
	return fw.line([]string{
		TagSignature,
		strconv.FormatUint(rec.Number, 10),
		base64.StdEncoding.EncodeToString(rec.Signature),
	})
}

// WriteTimestamp writes a TIMESTAMP line
func (fw *FlatWriter) WriteTimestamp(ts *TimestampRecord) error {
	nums := make([]string, len(ts.Records))
	for i, n := range ts.Records {
		nums[i] = strconv.FormatUint(n, 10)
	}
	return fw.line([]string{
		TagTimestamp,
		strconv.FormatUint(ts.Number, 10),
		strconv.FormatInt(ts.Time.UnixMilli(), 10),
		ts.HashAlgorithm,
		hex.EncodeToString(ts.ManifestDigest),
		strings.Join(nums, ","),
		base64.StdEncoding.EncodeToString(ts.Token),
	})
}

// Flush writes buffered lines to the underlying writer
func (fw *FlatWriter) Flush() error {
	return fw.w.Flush()
}

func (fw *FlatWriter) line(fields []string) error {
	if _, err := fw.w.WriteString(strings.Join(fields, flatSep)); err != nil {
		return err
	}
	return fw.w.WriteByte('\n')
}

// FlatEntry is one decoded record. Exactly one field is set.
type FlatEntry struct {
	Message   *MessageRecord
	Timestamp *TimestampRecord
}

// FlatReader reads records written by FlatWriter
type FlatReader struct {
	r    *bufio.Reader
	line int
}

// NewFlatReader creates a FlatReader
func NewFlatReader(r io.Reader) *FlatReader {
	return &FlatReader{r: bufio.NewReader(r)}
}

// Next returns the next entry or io.EOF
func (fr *FlatReader) Next() (*FlatEntry, error) {
	fields, err := fr.readLine()
	if err != nil {
		return nil, err
	}
	switch fields[0] {
	case TagSOAP:
		rec, err := fr.parseSOAP(fields)
		if err != nil {
			return nil, err
		}
		sig, err := fr.readLine()
		if err == io.EOF {
			return nil, fr.errorf("missing SIGNATURE line for message %d", rec.Number)
		}
		if err != nil {
			return nil, err
		}
		if err := fr.parseSignature(sig, rec); err != nil {
			return nil, err
		}
		return &FlatEntry{Message: rec}, nil
	case TagTimestamp:
		ts, err := fr.parseTimestamp(fields)
		if err != nil {
			return nil, err
		}
		return &FlatEntry{Timestamp: ts}, nil
	default:
		return nil, fr.errorf("unexpected tag %q", fields[0])
	}
}

func (fr *FlatReader) readLine() ([]string, error) {
	for {
		s, err := fr.r.ReadString('\n')
		if err != nil && (err != io.EOF || s == "") {
			return nil, err
		}
		fr.line++
		s = strings.TrimRight(s, "\r\n")
		if s == "" {
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}
		return strings.Split(s, flatSep), nil
	}
}

func (fr *FlatReader) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrFlatFormat, fr.line, fmt.Sprintf(format, args...))
}

func (fr *FlatReader) parseSOAP(f []string) (*MessageRecord, error) {
	if len(f) != 7 {
		return nil, fr.errorf("SOAP line has %d fields", len(f))
	}
	number, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return nil, fr.errorf("number: %v", err)
	}
	ms, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return nil, fr.errorf("time: %v", err)
	}
	qh, err := hex.DecodeString(f[3])
	if err != nil {
		return nil, fr.errorf("query id hash: %v", err)
	}
	chain, err := hex.DecodeString(f[4])
	if err != nil {
		return nil, fr.errorf("hash chain: %v", err)
	}
	tsNumber, err := strconv.ParseUint(f[5], 10, 64)
	if err != nil {
		return nil, fr.errorf("timestamp number: %v", err)
	}
	msg, err := base64.StdEncoding.DecodeString(f[6])
	if err != nil {
		return nil, fr.errorf("message: %v", err)
	}
	return &MessageRecord{
		Number:          number,
		Time:            time.UnixMilli(ms).UTC(),
		QueryIDHash:     qh,
		HashChain:       chain,
		TimestampNumber: tsNumber,
		Message:         msg,
	}, nil
}

func (fr *FlatReader) parseSignature(f []string, rec *MessageRecord) error {
	if f[0] != TagSignature || len(f) != 3 {
		return fr.errorf("expected SIGNATURE line for message %d", rec.Number)
	}
	if f[1] != strconv.FormatUint(rec.Number, 10) {
		return fr.errorf("SIGNATURE line for %s follows message %d", f[1], rec.Number)
	}
	sig, err := base64.StdEncoding.DecodeString(f[2])
	if err != nil {
		return fr.errorf("signature: %v", err)
	}
	rec.Signature = sig
	return nil
}

func (fr *FlatReader) parseTimestamp(f []string) (*TimestampRecord, error) {
	if len(f) != 7 {
		return nil, fr.errorf("TIMESTAMP line has %d fields", len(f))
	}
	number, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return nil, fr.errorf("number: %v", err)
	}
	ms, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return nil, fr.errorf("time: %v", err)
	}
	digest, err := hex.DecodeString(f[4])
	if err != nil {
		return nil, fr.errorf("digest: %v", err)
	}
	var records []uint64
	if f[5] != "" {
		for _, s := range strings.Split(f[5], ",") {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, fr.errorf("record list: %v", err)
			}
			records = append(records, n)
		}
	}
	token, err := base64.StdEncoding.DecodeString(f[6])
	if err != nil {
		return nil, fr.errorf("token: %v", err)
	}
	return &TimestampRecord{
		Number:         number,
		Time:           time.UnixMilli(ms).UTC(),
		HashAlgorithm:  f[3],
		ManifestDigest: digest,
		Records:        records,
		Token:          token,
	}, nil
}
