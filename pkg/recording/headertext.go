package recording

import (
	"strconv"
	"strings"
)

// HeaderText is the result of parsing a raw header block such as
// "GET /a HTTP/1.1\r\nHost: x\r\n\r\n".
type HeaderText struct {
	// Start holds the space separated tokens of the first line.
	Start   []string
	Headers Headers
}

// ParseHeaderText parses a raw request or response header block. It never
// fails: malformed lines are skipped and missing parts stay empty.
func ParseHeaderText(text string) HeaderText {
	var ht HeaderText
	if text == "" {
		return ht
	}

	lines := strings.Split(text, "\r\n")
	ht.Start = strings.Fields(lines[0])
	lines = lines[1:]

	// The block ends with two CRLFs, which split into two empty trailing lines.
	for i := 0; i < 2 && len(lines) > 0 && lines[len(lines)-1] == ""; i++ {
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if ht.Headers == nil {
			ht.Headers = make(Headers)
		}
		if prev, dup := ht.Headers[name]; dup {
			value = prev + "\n" + value
		}
		ht.Headers[name] = value
	}
	return ht
}

// Method returns the method token of a request line, or "".
func (h HeaderText) Method() string {
	if len(h.Start) == 0 || strings.HasPrefix(strings.ToUpper(h.Start[0]), "HTTP/") {
		return ""
	}
	return h.Start[0]
}

// RequestProtocol returns the protocol token of a request line
// (METHOD PATH PROTOCOL), or "".
func (h HeaderText) RequestProtocol() string {
	if len(h.Start) < 3 {
		return ""
	}
	return h.Start[2]
}

// Status returns the protocol, status code and reason phrase of a status line
// (PROTOCOL STATUS REASON...). Missing parts are zero.
func (h HeaderText) Status() (protocol string, status int, reason string) {
	if len(h.Start) == 0 {
		return "", 0, ""
	}
	protocol = h.Start[0]
	if len(h.Start) > 1 {
		status, _ = strconv.Atoi(h.Start[1])
	}
	if len(h.Start) > 2 {
		reason = strings.Join(h.Start[2:], " ")
	}
	return protocol, status, reason
}
