package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ErrMalformed is returned for input that is not a WARC/1.0 record stream.
var ErrMalformed = errors.New("malformed WARC record")

// Reader reads records written by Writer, plain or gzip-compressed.
type Reader struct {
	br *bufio.Reader
	gz *gzip.Reader
}

// NewReader detects gzip input by its magic bytes.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &Reader{br: bufio.NewReader(gz), gz: gz}, nil
	}
	return &Reader{br: br}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (*Record, error) {
	line, err := r.readLine()
	for err == nil && line == "" {
		line, err = r.readLine()
	}
	if err != nil {
		return nil, err
	}
	if line != Version {
		return nil, fmt.Errorf("%w: version line %q", ErrMalformed, line)
	}

	rec := &Record{}
	length := -1
	for {
		line, err = r.readLine()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "warc-type":
			rec.Type = RecordType(value)
		case "warc-target-uri":
			rec.TargetURI = value
		case "warc-date":
			if rec.Date, err = time.Parse(DateFormat, value); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		case "warc-filename":
			rec.Filename = value
		case "warc-record-id":
			rec.ID = value
		case "warc-concurrent-to":
			rec.ConcurrentTo = value
		case "warc-warcinfo-id":
			rec.WarcinfoID = value
		case "warc-payload-digest":
			rec.PayloadDigest = value
		case "content-type":
			rec.ContentType = value
		case "content-length":
			if length, err = strconv.Atoi(value); err != nil || length < 0 {
				return nil, fmt.Errorf("%w: content length %q", ErrMalformed, value)
			}
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrMalformed)
	}

	rec.Block = make([]byte, length)
	if _, err := io.ReadFull(r.br, rec.Block); err != nil {
		return nil, fmt.Errorf("%w: block: %w", ErrMalformed, err)
	}
	sep := make([]byte, len(RecordSeparator))
	if _, err := io.ReadFull(r.br, sep); err != nil || !bytes.Equal(sep, []byte(RecordSeparator)) {
		return nil, fmt.Errorf("%w: missing record separator", ErrMalformed)
	}
	return rec, nil
}

// ReadAll returns every remaining record.
func (r *Reader) ReadAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close releases the gzip reader, if any.
func (r *Reader) Close() error {
	if r.gz != nil {
		return r.gz.Close()
	}
	return nil
}

func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
