// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package libsvm reads and writes datasets in the sparse
// labeled-vector text format popularized by LIBSVM: one sample per
// line, a numeric label followed by whitespace-separated index:value
// pairs with 1-based, strictly increasing indices. Because the format
// stores only nonzero entries, the vector length cannot be recovered
// from the data; it must be declared by the caller and is validated
// during parsing.
package libsvm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/slicemodel"
)

// ParseRecord parses a single line of sparse labeled-vector text
// into a record with a dense feature vector of length dim. Indices
// at or beyond dim, non-numeric fields, and malformed pairs are
// errors.
func ParseRecord(line string, dim int) (slicemodel.Record, error) {
	var rec slicemodel.Record
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return rec, fmt.Errorf("libsvm: empty record")
	}
	label, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return rec, fmt.Errorf("libsvm: bad label %q: %v", fields[0], err)
	}
	features := make([]float64, dim)
	prev := 0
	for _, field := range fields[1:] {
		colon := strings.IndexByte(field, ':')
		if colon < 0 {
			return rec, fmt.Errorf("libsvm: malformed pair %q", field)
		}
		index, err := strconv.Atoi(field[:colon])
		if err != nil {
			return rec, fmt.Errorf("libsvm: bad index in %q: %v", field, err)
		}
		if index < 1 || index > dim {
			return rec, fmt.Errorf("libsvm: index %d out of range [1,%d]", index, dim)
		}
		if index <= prev {
			return rec, fmt.Errorf("libsvm: index %d out of order", index)
		}
		value, err := strconv.ParseFloat(field[colon+1:], 64)
		if err != nil {
			return rec, fmt.Errorf("libsvm: bad value in %q: %v", field, err)
		}
		features[index-1] = value
		prev = index
	}
	rec.Label = label
	rec.Features = features
	return rec, nil
}

// FormatRecord formats a record in sparse labeled-vector text,
// omitting zero entries. The result carries no trailing newline.
func FormatRecord(rec slicemodel.Record) string {
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(rec.Label, 'g', -1, 64))
	for i, v := range rec.Features {
		if v == 0 {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

// A Reader reads records of a fixed declared dimension from a
// line-oriented stream. Blank lines are skipped.
type Reader struct {
	scan *bufio.Scanner
	dim  int
	line int
}

// NewReader returns a reader that parses records of dimension dim
// from r.
func NewReader(r io.Reader, dim int) *Reader {
	return &Reader{scan: bufio.NewScanner(r), dim: dim}
}

// Read returns the next record in the stream, or io.EOF when the
// stream is exhausted.
func (r *Reader) Read() (slicemodel.Record, error) {
	for r.scan.Scan() {
		r.line++
		line := strings.TrimSpace(r.scan.Text())
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line, r.dim)
		if err != nil {
			return rec, fmt.Errorf("line %d: %v", r.line, err)
		}
		return rec, nil
	}
	if err := r.scan.Err(); err != nil {
		return slicemodel.Record{}, err
	}
	return slicemodel.Record{}, io.EOF
}

// ReadAll reads records until io.EOF.
func (r *Reader) ReadAll() ([]slicemodel.Record, error) {
	var recs []slicemodel.Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

// A Writer writes records in sparse labeled-vector text.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a writer that formats records onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record.
func (w *Writer) Write(rec slicemodel.Record) error {
	if _, err := w.w.WriteString(FormatRecord(rec)); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush flushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
