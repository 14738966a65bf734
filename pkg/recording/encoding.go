package recording

import "strings"

// ContentEncoding returns the lower-cased Content-Encoding of a response,
// read from the structured headers or, failing that, the raw header text.
func ContentEncoding(headers Headers, headersText string) string {
	if v, ok := headers.Get("Content-Encoding"); ok {
		return normalizeEncoding(v)
	}
	if headersText != "" {
		if v, ok := ParseHeaderText(headersText).Headers.Get("Content-Encoding"); ok {
			return normalizeEncoding(v)
		}
	}
	return ""
}

func normalizeEncoding(v string) string {
	v = strings.ReplaceAll(v, "\n", ",")
	return strings.ToLower(strings.TrimSpace(v))
}

// compressionTokens are Content-Encoding values whose payload the browser
// decodes before handing it to the capture source.
var compressionTokens = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"br":       true,
	"deflate":  true,
	"compress": true,
	"zstd":     true,
}

// IsCompression reports whether a Content-Encoding value names one or more
// compression codings only, e.g. "gzip" or "deflate, br".
func IsCompression(encoding string) bool {
	found := false
	for _, tok := range strings.FieldsFunc(strings.ToLower(encoding), func(r rune) bool {
		return r == ',' || r == '\n' || r == ' ' || r == '\t'
	}) {
		if !compressionTokens[tok] {
			return false
		}
		found = true
	}
	return found
}
