package warc

import (
	"bytes"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/getmockd/warcrec/pkg/recording"
)

// HTTPVersion is written on every request and status line. Captured HTTP/2
// exchanges are archived as HTTP/1.1 messages.
const HTTPVersion = "HTTP/1.1"

// RequestTarget returns the origin-form request target of u: its escaped
// path (or "/") plus the query string.
func RequestTarget(u *url.URL) string {
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	} else if u.ForceQuery {
		target += "?"
	}
	return target
}

// RequestBlock renders an HTTP/1.1 request message. A Host field is
// synthesized from u when headers carry none.
func RequestBlock(method string, u *url.URL, headers recording.Headers, body []byte) []byte {
	if method == "" {
		method = http.MethodGet
	}
	var b bytes.Buffer
	b.Grow(512 + len(body))
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(RequestTarget(u))
	b.WriteByte(' ')
	b.WriteString(HTTPVersion)
	b.WriteString(CRLF)

	if host, ok := headers.Get("Host"); ok && strings.TrimSpace(host) != "" {
		writeField(&b, "Host", host)
	} else if u.Host != "" {
		writeField(&b, "Host", u.Host)
	}
	for _, name := range headers.Names() {
		if strings.EqualFold(name, "Host") {
			continue
		}
		writeField(&b, name, headers[name])
	}
	b.WriteString(CRLF)
	b.Write(body)
	return b.Bytes()
}

// ResponseBlock renders an HTTP/1.1 response message carrying payload.
// Compression and chunked transfer codings are dropped because payload is
// already decoded, and Content-Length always states len(payload).
func ResponseBlock(status int, reason string, headers recording.Headers, payload []byte) []byte {
	if reason == "" {
		reason = http.StatusText(status)
	}
	var b bytes.Buffer
	b.Grow(512 + len(payload))
	b.WriteString(HTTPVersion)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(status))
	if reason != "" {
		b.WriteByte(' ')
		b.WriteString(reason)
	}
	b.WriteString(CRLF)

	for _, name := range headers.Names() {
		value := headers[name]
		switch {
		case strings.EqualFold(name, "Content-Length"):
			continue
		case strings.EqualFold(name, "Content-Encoding") && recording.IsCompression(value):
			continue
		case strings.EqualFold(name, "Transfer-Encoding") && hasToken(value, "chunked"):
			continue
		}
		writeField(&b, name, value)
	}
	writeField(&b, "Content-Length", strconv.Itoa(len(payload)))
	b.WriteString(CRLF)
	b.Write(payload)
	return b.Bytes()
}

// writeField writes one header. Names HTTP/1.1 cannot carry (including
// HTTP/2 pseudo headers such as ":authority") are skipped. Values captured
// as several lines are comma-joined, except Set-Cookie which gets one field
// line per value.
func writeField(b *bytes.Buffer, name, value string) {
	name = strings.TrimSpace(name)
	if !httpguts.ValidHeaderFieldName(name) {
		return
	}
	lines := splitValue(value)
	if strings.EqualFold(name, "Set-Cookie") {
		for _, line := range lines {
			writeLine(b, name, line)
		}
		return
	}
	writeLine(b, name, strings.Join(lines, ", "))
}

func writeLine(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString(CRLF)
}

// FlattenValue joins a multi-line header value with ", ".
func FlattenValue(value string) string {
	return strings.Join(splitValue(value), ", ")
}

func splitValue(value string) []string {
	raw := strings.Split(strings.ReplaceAll(value, "\r", ""), "\n")
	out := raw[:0]
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func hasToken(value, token string) bool {
	for _, t := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '\n' || r == ' ' || r == '\t'
	}) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}
