package recording

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHeaderText_Request(t *testing.T) {
	ht := ParseHeaderText("POST /form?a=1 HTTP/1.1\r\nHost: example.com\r\nContent-Type: text/plain\r\nX-Colon: a: b\r\n\r\n")

	assert.Equal(t, "POST", ht.Method())
	assert.Equal(t, "HTTP/1.1", ht.RequestProtocol())
	assert.Equal(t, Headers{
		"Host":         "example.com",
		"Content-Type": "text/plain",
		"X-Colon":      "a: b",
	}, ht.Headers)
}

func TestParseHeaderText_Response(t *testing.T) {
	ht := ParseHeaderText("HTTP/1.1 404 Not Found\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\n\r\n")

	proto, status, reason := ht.Status()
	assert.Equal(t, "HTTP/1.1", proto)
	assert.Equal(t, 404, status)
	assert.Equal(t, "Not Found", reason)
	assert.Equal(t, "", ht.Method())
	assert.Equal(t, "a=1\nb=2", ht.Headers["Set-Cookie"])
}

func TestParseHeaderText_Malformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"start line only", "GET"},
		{"no trailing blank", "GET / HTTP/1.1\r\nHost: a"},
		{"junk lines", "GET / HTTP/1.1\r\nnot a header\r\n: empty name\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				ht := ParseHeaderText(tt.text)
				_ = ht.Method()
				_ = ht.RequestProtocol()
				_, _, _ = ht.Status()
			})
		})
	}

	ht := ParseHeaderText("GET / HTTP/1.1\r\nHost: a")
	assert.Equal(t, "a", ht.Headers["Host"])

	ht = ParseHeaderText("GET")
	assert.Equal(t, "GET", ht.Method())
	assert.Equal(t, "", ht.RequestProtocol())
	assert.Nil(t, ht.Headers)
}

func TestContentEncoding(t *testing.T) {
	assert.Equal(t, "gzip", ContentEncoding(Headers{"content-encoding": "GZIP"}, ""))
	assert.Equal(t, "br", ContentEncoding(nil, "HTTP/1.1 200 OK\r\nContent-Encoding: br\r\n\r\n"))
	assert.Equal(t, "", ContentEncoding(Headers{"Content-Type": "text/html"}, ""))
}

func TestIsCompression(t *testing.T) {
	assert.True(t, IsCompression("gzip"))
	assert.True(t, IsCompression("deflate, br"))
	assert.True(t, IsCompression("x-gzip"))
	assert.True(t, IsCompression("zstd"))
	assert.False(t, IsCompression("identity"))
	assert.False(t, IsCompression("gzip, custom"))
	assert.False(t, IsCompression(""))
}

func TestHeaders(t *testing.T) {
	h := Headers{"b": "2", "A": "1", "c": "3"}

	v, ok := h.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.True(t, h.Has("C"))
	assert.False(t, h.Has("d"))
	assert.Equal(t, []string{"A", "b", "c"}, h.Names())

	var nilHeaders Headers
	assert.Nil(t, nilHeaders.Clone())
	_, ok = nilHeaders.Get("x")
	assert.False(t, ok)
}
