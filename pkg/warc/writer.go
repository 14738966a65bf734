package warc

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Gzip writes each record as its own gzip member, so readers can seek
	// to any record offset.
	Gzip  bool
	Level int
}

// Writer appends records to an io.Writer. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	opts    WriterOptions
	written int64
	records int
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer, opts WriterOptions) *Writer {
	if opts.Level == 0 {
		opts.Level = gzip.DefaultCompression
	}
	return &Writer{w: w, opts: opts}
}

// WriteRecord appends one record and returns the bytes written to the
// underlying writer.
func (w *Writer) WriteRecord(r *Record) (int64, error) {
	return w.WriteRecords(r)
}

// WriteRecords appends records in order. Every record is encoded before
// anything is written, so a record that fails validation leaves the output
// untouched. The group is written under one lock so concurrent callers
// never interleave.
func (w *Writer) WriteRecords(records ...*Record) (int64, error) {
	var group []byte
	for _, r := range records {
		data, err := w.encode(r)
		if err != nil {
			return 0, err
		}
		group = append(group, data...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(group)
	w.written += int64(n)
	if err != nil {
		return int64(n), err
	}
	w.records += len(records)
	return int64(n), nil
}

func (w *Writer) encode(r *Record) ([]byte, error) {
	data, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	data = append(data, RecordSeparator...)
	if !w.opts.Gzip {
		return data, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, w.opts.Level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}
