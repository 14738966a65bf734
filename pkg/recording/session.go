package recording

import (
	"sync"
	"time"

	"github.com/getmockd/warcrec/internal/id"
)

// Session represents one capture run. Its name becomes the isPartOf field of
// the warcinfo records written during the run.
type Session struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	mu        sync.RWMutex
	files     []string
	exchanges int
	records   int
	failures  int
}

// NewSession creates a new capture session.
func NewSession(name string) *Session {
	if name == "" {
		name = "default"
	}
	return &Session{
		ID:        id.UUID(),
		Name:      name,
		StartTime: time.Now().UTC(),
	}
}

// AddFile notes an archive file written during the session.
func (s *Session) AddFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, path)
}

// Files returns a copy of the archive files written so far.
func (s *Session) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.files))
	copy(out, s.files)
	return out
}

// RecordPersisted counts one archived exchange and the records it produced.
func (s *Session) RecordPersisted(records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges++
	s.records += records
}

// RecordFailure counts an exchange that could not be archived.
func (s *Session) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

// End marks the session as ended.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.EndTime == nil {
		now := time.Now().UTC()
		s.EndTime = &now
	}
}

// IsActive returns true if the session has not ended.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.EndTime == nil
}

// SessionSummary represents a summary of a capture session.
type SessionSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Files     []string   `json:"files"`
	Exchanges int        `json:"exchanges"`
	Records   int        `json:"records"`
	Failures  int        `json:"failures"`
}

// Summary returns a summary view of the session.
func (s *Session) Summary() SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]string, len(s.files))
	copy(files, s.files)
	return SessionSummary{
		ID:        s.ID,
		Name:      s.Name,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Files:     files,
		Exchanges: s.exchanges,
		Records:   s.records,
		Failures:  s.failures,
	}
}
