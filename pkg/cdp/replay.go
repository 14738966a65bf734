package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/getmockd/warcrec/pkg/logging"
)

// ReplaySource plays back an event log written by a Source. Bodies and post
// data recorded in the log are served in the order they were fetched.
type ReplaySource struct {
	log     *slog.Logger
	entries []LogEntry

	mu     sync.Mutex
	bodies map[string][]ResponseBody
	posts  map[string][]PostData
}

// NewReplaySource reads a whole event log.
func NewReplaySource(r io.Reader, logger *slog.Logger) (*ReplaySource, error) {
	entries, err := ReadEventLog(r)
	if err != nil {
		return nil, err
	}
	s := &ReplaySource{
		log:    logging.OrNop(logger),
		bodies: make(map[string][]ResponseBody),
		posts:  make(map[string][]PostData),
	}
	for _, e := range entries {
		switch e.Method {
		case logResponseBody:
			var b ResponseBody
			if err := json.Unmarshal(e.Params, &b); err != nil {
				return nil, fmt.Errorf("decode recorded body: %w", err)
			}
			s.bodies[b.RequestID] = append(s.bodies[b.RequestID], b)
		case logPostData:
			var p PostData
			if err := json.Unmarshal(e.Params, &p); err != nil {
				return nil, fmt.Errorf("decode recorded post data: %w", err)
			}
			s.posts[p.RequestID] = append(s.posts[p.RequestID], p)
		default:
			s.entries = append(s.entries, e)
		}
	}
	return s, nil
}

// Len returns the number of events to replay.
func (s *ReplaySource) Len() int {
	return len(s.entries)
}

// Run feeds every event to h in log order. Malformed events are skipped.
func (s *ReplaySource) Run(ctx context.Context, h Handler) error {
	tr := newTranslator()
	for _, e := range s.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tr.apply(Event{Method: e.Method, Params: e.Params}, h); err != nil {
			s.log.Warn("skipping malformed event", "method", e.Method, "error", err)
		}
	}
	return nil
}

// ResponseBody returns the next body recorded for requestID.
func (s *ReplaySource) ResponseBody(_ context.Context, requestID string) ([]byte, error) {
	s.mu.Lock()
	queue := s.bodies[requestID]
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w for %s", ErrNoBody, requestID)
	}
	b := queue[0]
	s.bodies[requestID] = queue[1:]
	s.mu.Unlock()
	return decodeBody(b)
}

// PostData returns the next post data recorded for requestID.
func (s *ReplaySource) PostData(_ context.Context, requestID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.posts[requestID]
	if len(queue) == 0 {
		return "", fmt.Errorf("%w for %s", ErrNoBody, requestID)
	}
	p := queue[0]
	s.posts[requestID] = queue[1:]
	if p.Error != "" {
		return "", fmt.Errorf("recorded post data error: %s", p.Error)
	}
	return p.PostData, nil
}
