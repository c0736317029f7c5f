package dataset

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type CSVOptions struct {
	// Comma defaults to ',' or to '\t' for .tsv files.
	Comma      rune
	LazyQuotes bool
	// Strict enforces a constant field count per record.
	Strict bool
}

// CSVReader streams rows from a delimited file with a header line.
type CSVReader struct {
	cr     *csv.Reader
	header *Header
	closer io.Closer
	line   int
}

// RecordError is a recoverable problem with one record; reading may continue.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string { return fmt.Sprintf("record %d: %v", e.Line, e.Err) }
func (e *RecordError) Unwrap() error { return e.Err }

func OpenCSV(path string, opts CSVOptions) (*CSVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if opts.Comma == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Comma = '\t'
	}
	r, err := NewCSVReader(bufio.NewReaderSize(f, 1<<20), opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewCSVReader reads the header line immediately.
func NewCSVReader(src io.Reader, opts CSVOptions) (*CSVReader, error) {
	cr := csv.NewReader(src)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.LazyQuotes = opts.LazyQuotes
	if !opts.Strict {
		cr.FieldsPerRecord = -1
	}
	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("dataset: empty input, no header line")
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}
	return &CSVReader{cr: cr, header: NewHeader(NormalizeHeader(hdr)), line: 1}, nil
}

func (r *CSVReader) Header() *Header { return r.header }

// Next returns the next row, io.EOF at the end, or a *RecordError for a
// malformed record that can be skipped.
func (r *CSVReader) Next() (Row, error) {
	rec, err := r.cr.Read()
	r.line++
	if err == io.EOF {
		return Row{}, io.EOF
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return Row{}, &RecordError{Line: r.line, Err: err}
		}
		return Row{}, err
	}
	vals := make([]any, len(rec))
	for i, v := range rec {
		v = strings.TrimSpace(v)
		if v == "" {
			vals[i] = nil
			continue
		}
		vals[i] = v
	}
	row := NewRow(r.header, vals)
	row.Line = r.line
	return row, nil
}

// ReadBatch collects up to n rows. It returns io.EOF only with an empty batch.
// Record errors are passed to onErr and skipped.
func (r *CSVReader) ReadBatch(ctx context.Context, n int, onErr func(error)) ([]Row, error) {
	if n <= 0 {
		n = 1
	}
	out := make([]Row, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		row, err := r.Next()
		if err == io.EOF {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		var re *RecordError
		if errors.As(err, &re) {
			if onErr != nil {
				onErr(err)
			}
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *CSVReader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// NormalizeHeader strips a UTF-8 BOM, trims, NFC-normalizes, names blank
// columns positionally and disambiguates duplicates with a numeric suffix.
func NormalizeHeader(hdr []string) []string {
	out := make([]string, len(hdr))
	seen := make(map[string]struct{}, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		h = norm.NFC.String(strings.TrimSpace(h))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		base := h
		for n := 2; ; n++ {
			if _, taken := seen[h]; !taken {
				break
			}
			h = base + "_" + strconv.Itoa(n)
		}
		seen[h] = struct{}{}
		out[i] = h
	}
	return out
}

// FoldKey lowercases and strips diacritics so "Café" and "cafe" compare equal.
func FoldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
