package warc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/getmockd/warcrec/internal/id"
	"github.com/getmockd/warcrec/pkg/logging"
)

// Sink receives the records of archived exchanges.
type Sink interface {
	// Write appends records as one group. Records without a WarcinfoID get
	// the id of the warcinfo record heading the current output.
	Write(records ...*Record) error
	Close() error
}

// StreamSink writes a single WARC stream to an io.Writer, starting with a
// warcinfo record.
type StreamSink struct {
	mu       sync.Mutex
	writer   *Writer
	closer   io.Closer
	info     Info
	name     string
	now      func() time.Time
	warcinfo *Record
	closed   bool
}

// NewStreamSink creates a sink on w. If w is an io.Closer it is closed by
// Close. name is written as WARC-Filename.
func NewStreamSink(w io.Writer, name string, info Info, opts WriterOptions) *StreamSink {
	s := &StreamSink{writer: NewWriter(w, opts), info: info, name: name, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// WarcinfoID returns the id of the stream's warcinfo record, or "" before
// the first write.
func (s *StreamSink) WarcinfoID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warcinfo == nil {
		return ""
	}
	return s.warcinfo.ID
}

func (s *StreamSink) Write(records ...*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.warcinfo == nil {
		wi := NewWarcinfo(s.info, s.name, s.now())
		if _, err := s.writer.WriteRecord(wi); err != nil {
			return fmt.Errorf("write warcinfo: %w", err)
		}
		s.warcinfo = wi
	}
	stamp(records, s.warcinfo.ID)
	_, err := s.writer.WriteRecords(records...)
	return err
}

func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FileSinkOptions configures a FileSink.
type FileSinkOptions struct {
	Dir    string
	Prefix string
	Gzip   bool
	// MaxSize rotates to a new file once the current one reaches this many
	// bytes. Zero disables rotation.
	MaxSize int64
	Info    Info
	Logger  *slog.Logger
	// OnRotate is called with the path of every file opened.
	OnRotate func(path string)
	Clock    func() time.Time
}

// DefaultPrefix names output files when no prefix is configured.
const DefaultPrefix = "warcrec"

// FileSink writes records to rotating files named
// <prefix>-<timestamp>-<token>.warc[.gz]. Each file starts with its own
// warcinfo record.
type FileSink struct {
	mu       sync.Mutex
	opts     FileSinkOptions
	log      *slog.Logger
	file     *os.File
	writer   *Writer
	warcinfo string
	files    []string
	closed   bool
}

// NewFileSink creates the output directory. Files are opened on first write.
func NewFileSink(opts FileSinkOptions) (*FileSink, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FileSink{opts: opts, log: logging.OrNop(opts.Logger)}, nil
}

func (s *FileSink) Write(records ...*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.writer != nil && s.opts.MaxSize > 0 && s.writer.Written() >= s.opts.MaxSize {
		if err := s.closeFileLocked(); err != nil {
			return err
		}
	}
	if s.writer == nil {
		if err := s.openLocked(); err != nil {
			return err
		}
	}
	stamp(records, s.warcinfo)
	if _, err := s.writer.WriteRecords(records...); err != nil {
		return fmt.Errorf("write %s: %w", s.file.Name(), err)
	}
	return nil
}

// Files returns every path opened so far.
func (s *FileSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Current returns the path of the open file, or "".
func (s *FileSink) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeFileLocked()
}

func (s *FileSink) openLocked() error {
	now := s.opts.Clock()
	name := s.filename(now)
	path := filepath.Join(s.opts.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	w := NewWriter(f, WriterOptions{Gzip: s.opts.Gzip})
	wi := NewWarcinfo(s.opts.Info, name, now)
	if _, err := w.WriteRecord(wi); err != nil {
		_ = f.Close()
		return fmt.Errorf("write warcinfo: %w", err)
	}
	s.file, s.writer, s.warcinfo = f, w, wi.ID
	s.files = append(s.files, path)
	s.log.Info("opened output file", "path", path, "warcinfo", wi.ID)
	if s.opts.OnRotate != nil {
		s.opts.OnRotate(path)
	}
	return nil
}

func (s *FileSink) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	f, w := s.file, s.writer
	s.file, s.writer, s.warcinfo = nil, nil, ""
	s.log.Info("closed output file", "path", f.Name(), "records", w.Count(), "bytes", w.Written())
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	return f.Close()
}

func (s *FileSink) filename(now time.Time) string {
	ext := ".warc"
	if s.opts.Gzip {
		ext += ".gz"
	}
	return fmt.Sprintf("%s-%s-%s%s", s.opts.Prefix, now.UTC().Format("20060102150405"), id.Short()[:8], ext)
}

func stamp(records []*Record, warcinfoID string) {
	for _, r := range records {
		if r.WarcinfoID == "" && r.Type != TypeWarcinfo {
			r.WarcinfoID = warcinfoID
		}
	}
}
