package recording

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Protocol tokens the archive's request and status lines understand.
const (
	ProtocolHTTP10 = "HTTP/1.0"
	ProtocolHTTP11 = "HTTP/1.1"
)

// NormalizeProtocol upper-cases a captured protocol token. An empty token
// becomes HTTP/1.1. With downgradeHTTP2 set, anything other than HTTP/1.0 or
// HTTP/1.1 (h2, h3, QUIC variants, ...) is reported as HTTP/1.1.
func NormalizeProtocol(raw string, downgradeHTTP2 bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProtocolHTTP11
	}
	// A Caser carries state, so one is built per call.
	upper := cases.Upper(language.Und).String(raw)
	if !downgradeHTTP2 {
		return upper
	}
	if upper == ProtocolHTTP10 || upper == ProtocolHTTP11 {
		return upper
	}
	return ProtocolHTTP11
}
