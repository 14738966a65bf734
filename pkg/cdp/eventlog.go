package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// LogEntry is one line of an event log.
type LogEntry struct {
	Time   time.Time       `json:"time"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EventLog appends protocol events and fetched payloads as JSON lines.
type EventLog struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewEventLog creates a log writing to w.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{enc: json.NewEncoder(w), now: time.Now}
}

// Append writes one entry. A nil log discards it.
func (l *EventLog) Append(method string, params any) error {
	if l == nil {
		return nil
	}
	var raw json.RawMessage
	switch p := params.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}
		raw = b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(LogEntry{Time: l.now().UTC(), Method: method, Params: raw})
}

// ReadEventLog decodes every entry of a log.
func ReadEventLog(r io.Reader) ([]LogEntry, error) {
	dec := json.NewDecoder(r)
	var entries []LogEntry
	for {
		var e LogEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("event log entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}
