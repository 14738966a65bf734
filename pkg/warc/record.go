package warc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Version is the format line every record starts with.
const Version = "WARC/1.0"

// CRLF terminates every header line; two of them separate records.
const CRLF = "\r\n"

// RecordSeparator is written after each record's block.
const RecordSeparator = CRLF + CRLF

// DateFormat is the W3C-ISO8601 second-precision form used for WARC-Date.
const DateFormat = "2006-01-02T15:04:05Z"

// Errors returned by the warc package.
var (
	ErrMissingURL        = errors.New("exchange has no URL")
	ErrInvalidURL        = errors.New("exchange URL is not valid")
	ErrBodyUnavailable   = errors.New("response body unavailable")
	ErrPostDataMissing   = errors.New("post data unavailable")
	ErrInvalidRecordType = errors.New("invalid record type")
	ErrClosed            = errors.New("sink is closed")
)

// RecordType is the WARC-Type of a record.
type RecordType string

const (
	TypeWarcinfo RecordType = "warcinfo"
	TypeRequest  RecordType = "request"
	TypeResponse RecordType = "response"
	TypeMetadata RecordType = "metadata"
)

// IsValid checks if the record type is one warcrec writes.
func (t RecordType) IsValid() bool {
	switch t {
	case TypeWarcinfo, TypeRequest, TypeResponse, TypeMetadata:
		return true
	default:
		return false
	}
}

// Content types of record blocks.
const (
	ContentTypeRequest  = "application/http; msgtype=request"
	ContentTypeResponse = "application/http; msgtype=response"
	ContentTypeFields   = "application/warc-fields"
)

// Field is one "Name: value" header line.
type Field struct {
	Name  string
	Value string
}

// Record is one WARC record. Block is everything after the blank line that
// ends the record header; Content-Length is always len(Block).
type Record struct {
	Type          RecordType
	ID            string
	TargetURI     string
	Date          time.Time
	Filename      string
	ConcurrentTo  string
	WarcinfoID    string
	PayloadDigest string
	ContentType   string
	Block         []byte
}

// ContentLength returns the byte length of the record block.
func (r *Record) ContentLength() int {
	return len(r.Block)
}

// Header returns the record header fields in the order they are written.
func (r *Record) Header() []Field {
	fields := make([]Field, 0, 10)
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, Field{Name: name, Value: value})
		}
	}

	add("WARC-Type", string(r.Type))
	if r.Type != TypeWarcinfo {
		add("WARC-Target-URI", r.TargetURI)
	}
	add("WARC-Date", r.Date.UTC().Format(DateFormat))
	if r.Type == TypeWarcinfo {
		add("WARC-Filename", r.Filename)
	}
	add("WARC-Record-ID", r.ID)
	add("WARC-Concurrent-To", r.ConcurrentTo)
	add("WARC-Warcinfo-ID", r.WarcinfoID)
	add("WARC-Payload-Digest", r.PayloadDigest)
	add("Content-Type", r.ContentType)
	fields = append(fields, Field{Name: "Content-Length", Value: strconv.Itoa(len(r.Block))})
	return fields
}

// Validate checks the fields every record must carry.
func (r *Record) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidRecordType, r.Type)
	}
	if r.ID == "" {
		return errors.New("record has no WARC-Record-ID")
	}
	if r.Date.IsZero() {
		return errors.New("record has no WARC-Date")
	}
	if r.Type != TypeWarcinfo && r.TargetURI == "" {
		return fmt.Errorf("%s record has no WARC-Target-URI", r.Type)
	}
	return nil
}

// MarshalBinary returns the record header, blank line and block. The
// trailing record separator is not included; Writer adds it.
func (r *Record) MarshalBinary() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(256 + len(r.Block))
	buf.WriteString(Version)
	buf.WriteString(CRLF)
	for _, f := range r.Header() {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString(CRLF)
	}
	buf.WriteString(CRLF)
	buf.Write(r.Block)
	return buf.Bytes(), nil
}

// WriteTo writes the record followed by the record separator.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	data, err := r.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	if err != nil {
		return int64(n), err
	}
	m, err := io.WriteString(w, RecordSeparator)
	return int64(n + m), err
}

// HTTPPayload returns the part of an application/http block after the HTTP
// header section, or nil if the block has none.
func (r *Record) HTTPPayload() []byte {
	i := bytes.Index(r.Block, []byte(CRLF+CRLF))
	if i < 0 {
		return nil
	}
	return r.Block[i+4:]
}

// HTTPHeader returns the HTTP start line and header lines of an
// application/http block, without the terminating blank line.
func (r *Record) HTTPHeader() string {
	i := bytes.Index(r.Block, []byte(CRLF+CRLF))
	if i < 0 {
		return string(r.Block)
	}
	return string(r.Block[:i+2])
}
