package warc

import (
	"bytes"
	"time"

	"github.com/getmockd/warcrec/internal/id"
)

// Default warcinfo values.
const (
	DefaultFormat     = "WARC File Format 1.0"
	DefaultConformsTo = "http://bibnum.bnf.fr/WARC/WARC_ISO_28500_version1_latestdraft.pdf"
	DefaultRobots     = "ignore"
)

// Info describes the capture session in a warcinfo record.
type Info struct {
	Software    string
	Format      string
	ConformsTo  string
	IsPartOf    string
	Description string
	Robots      string
	UserAgent   string
	// Extra fields are appended after the standard ones.
	Extra []Field
}

// Fields returns the warcinfo fields in write order. Empty values are
// omitted; format, conformsTo and robots fall back to their defaults.
func (i Info) Fields() []Field {
	fields := make([]Field, 0, 7+len(i.Extra))
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, Field{Name: name, Value: value})
		}
	}
	add("software", i.Software)
	add("format", orDefault(i.Format, DefaultFormat))
	add("conformsTo", orDefault(i.ConformsTo, DefaultConformsTo))
	add("isPartOf", i.IsPartOf)
	add("description", i.Description)
	add("robots", orDefault(i.Robots, DefaultRobots))
	add("http-header-user-agent", i.UserAgent)
	for _, f := range i.Extra {
		add(f.Name, f.Value)
	}
	return fields
}

// NewWarcinfo builds the warcinfo record that heads an output file.
func NewWarcinfo(info Info, filename string, now time.Time) *Record {
	return &Record{
		Type:        TypeWarcinfo,
		ID:          id.URN(),
		Date:        now.UTC(),
		Filename:    filename,
		ContentType: ContentTypeFields,
		Block:       EncodeFields(info.Fields()),
	}
}

// NewMetadata builds a metadata record describing targetURI.
func NewMetadata(targetURI, concurrentTo string, fields []Field, now time.Time) *Record {
	return &Record{
		Type:         TypeMetadata,
		ID:           id.URN(),
		TargetURI:    targetURI,
		Date:         now.UTC(),
		ConcurrentTo: concurrentTo,
		ContentType:  ContentTypeFields,
		Block:        EncodeFields(fields),
	}
}

// EncodeFields renders fields as an application/warc-fields block.
func EncodeFields(fields []Field) []byte {
	var b bytes.Buffer
	for _, f := range fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(FlattenValue(f.Value))
		b.WriteString(CRLF)
	}
	return b.Bytes()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
