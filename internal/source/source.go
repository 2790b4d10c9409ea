// Package source streams raw records out of dataset files.
//
// Supported formats are chosen by file suffix:
//   - .jsonl / .jsonl.gz  one JSON object per line
//   - .csv / .csv.gz      header row followed by data rows
//
// Records are produced lazily through an iter.Seq2, so a multi-gigabyte export
// never has to fit in memory. The file handle and the gzip stream are released
// whenever the sequence ends, including when the consumer breaks out early.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Record is one decoded line or row. JSON numbers decode as float64 and nested
// objects as map[string]any; CSV values are always strings.
type Record = map[string]any

// Format identifies how a file is decoded.
type Format int

const (
	FormatJSONL Format = iota + 1
	FormatJSONLGzip
	FormatCSV
	FormatCSVGzip
)

func (f Format) String() string {
	switch f {
	case FormatJSONL:
		return "jsonl"
	case FormatJSONLGzip:
		return "jsonl.gz"
	case FormatCSV:
		return "csv"
	case FormatCSVGzip:
		return "csv.gz"
	default:
		return "unknown"
	}
}

func (f Format) compressed() bool { return f == FormatJSONLGzip || f == FormatCSVGzip }
func (f Format) csv() bool        { return f == FormatCSV || f == FormatCSVGzip }

// ErrUnsupportedFormat is returned for any file whose suffix is not recognised.
var ErrUnsupportedFormat = errors.New("source: unsupported file format")

// RecordParseError describes a single line or row that could not be decoded.
// It is reported and skipped, never returned from the sequence.
type RecordParseError struct {
	Path string
	Line int
	Err  error
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("source: parse %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *RecordParseError) Unwrap() error { return e.Err }

// DetectFormat maps a file name to its Format.
func DetectFormat(path string) (Format, error) {
	switch {
	case strings.HasSuffix(path, ".jsonl.gz"):
		return FormatJSONLGzip, nil
	case strings.HasSuffix(path, ".jsonl"):
		return FormatJSONL, nil
	case strings.HasSuffix(path, ".csv.gz"):
		return FormatCSVGzip, nil
	case strings.HasSuffix(path, ".csv"):
		return FormatCSV, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Reader produces the records of one file.
type Reader struct {
	path        string
	format      Format
	logger      *slog.Logger
	onParseErr  func(*RecordParseError)
	parseErrors int
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used to report skipped lines.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithParseErrorHandler registers a callback invoked for every skipped line or row.
func WithParseErrorHandler(fn func(*RecordParseError)) Option {
	return func(r *Reader) { r.onParseErr = fn }
}

// NewReader validates the file suffix. No file I/O happens until Records is ranged over.
func NewReader(path string, opts ...Option) (*Reader, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		path:   path,
		format: format,
		logger: slog.Default().With("component", "source"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Format returns the detected format.
func (r *Reader) Format() Format { return r.format }

// ParseErrors is the number of lines or rows skipped so far.
func (r *Reader) ParseErrors() int { return r.parseErrors }

// Records returns a lazy sequence over the file. Each call re-opens the file.
// Errors yielded by the sequence are fatal (open, read, decompression or
// cancellation) and end it; malformed records are skipped.
func (r *Reader) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(r.path)
		if err != nil {
			yield(nil, fmt.Errorf("source: open %s: %w", r.path, err))
			return
		}
		defer f.Close()

		var in io.Reader = bufio.NewReaderSize(f, 1<<20)
		if r.format.compressed() {
			gz, err := gzip.NewReader(in)
			if err != nil {
				yield(nil, fmt.Errorf("source: gunzip %s: %w", r.path, err))
				return
			}
			defer gz.Close()
			in = gz
		}

		if r.format.csv() {
			r.readCSV(ctx, in, yield)
			return
		}
		r.readJSONL(ctx, in, yield)
	}
}

func (r *Reader) readJSONL(ctx context.Context, in io.Reader, yield func(Record, error) bool) {
	br := bufio.NewReader(in)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}

		raw, readErr := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			raw = bytes.TrimSpace(raw)
			if len(raw) > 0 {
				var rec Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					r.skip(&RecordParseError{Path: r.path, Line: line, Err: err})
				} else if rec != nil {
					if !yield(rec, nil) {
						return
					}
				}
			}
		}

		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			yield(nil, fmt.Errorf("source: read %s: %w", r.path, readErr))
			return
		}
	}
}

func (r *Reader) readCSV(ctx context.Context, in io.Reader, yield func(Record, error) bool) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return
	}
	if err != nil {
		yield(nil, fmt.Errorf("source: read csv header %s: %w", r.path, err))
		return
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}

		row, err := cr.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				r.skip(&RecordParseError{Path: r.path, Line: pe.Line, Err: pe.Err})
				continue
			}
			yield(nil, fmt.Errorf("source: read %s: %w", r.path, err))
			return
		}

		rec := make(Record, len(header))
		for i, name := range header {
			if i < len(row) {
				rec[name] = row[i]
			}
		}
		if !yield(rec, nil) {
			return
		}
	}
}

func (r *Reader) skip(perr *RecordParseError) {
	r.parseErrors++
	r.logger.Warn("skipping malformed record", "file", r.path, "line", perr.Line, "error", perr.Err)
	if r.onParseErr != nil {
		r.onParseErr(perr)
	}
}
