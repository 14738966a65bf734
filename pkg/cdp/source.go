package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getmockd/warcrec/pkg/logging"
)

// Errors returned by body sources.
var (
	ErrLoadingFailed = errors.New("resource failed to load")
	ErrNoBody        = errors.New("no recorded body")
)

// SourceOptions configures a Source.
type SourceOptions struct {
	Logger *slog.Logger
	// EventLog, when set, receives every event and every fetched payload.
	EventLog *EventLog
	// MaxPostDataSize is passed to Network.enable.
	MaxPostDataSize int
}

// Source drives a Handler from a live page and fetches bodies on demand.
type Source struct {
	client  *Client
	handler Handler
	log     *slog.Logger
	events  *EventLog
	tr      *translator
	maxPost int

	mu    sync.Mutex
	loads map[string]*load
	// ended lists loads kept after they ended for a fetch that may still
	// come, oldest first.
	ended []string

	// handling is held while an event is handled; Stop takes it to wait
	// for the event in progress.
	handling sync.Mutex
	stopped  bool
}

// maxEndedLoads bounds how many ended loads are kept for a fetch that may
// never come.
const maxEndedLoads = 1024

// load tracks whether a request id finished loading.
type load struct {
	done    chan struct{}
	closed  bool
	err     error
	waiters int
}

func (l *load) finish(err error) {
	if l.closed {
		return
	}
	l.err = err
	l.closed = true
	close(l.done)
}

// NewSource creates a Source on client. Call Start to begin receiving.
func NewSource(client *Client, opts SourceOptions) *Source {
	if opts.MaxPostDataSize <= 0 {
		opts.MaxPostDataSize = defaultMaxPostDataSize
	}
	return &Source{
		client:  client,
		log:     logging.OrNop(opts.Logger),
		events:  opts.EventLog,
		tr:      newTranslator(),
		maxPost: opts.MaxPostDataSize,
		loads:   make(map[string]*load),
	}
}

// Start routes network events to h and enables the Network domain.
func (s *Source) Start(ctx context.Context, h Handler) error {
	s.handler = h
	s.client.SetEventHandler(s.handleEvent)
	params := map[string]any{"maxPostDataSize": s.maxPost}
	if err := s.client.Call(ctx, MethodNetworkEnable, params, nil); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	return nil
}

// Stop detaches the source from the client. When it returns no event is
// being handled and later events are dropped. Body fetches keep working
// while the client is open.
func (s *Source) Stop() {
	s.handling.Lock()
	s.stopped = true
	s.handling.Unlock()
	s.client.SetEventHandler(nil)
}

func (s *Source) handleEvent(ev Event) {
	s.handling.Lock()
	defer s.handling.Unlock()
	if s.stopped {
		return
	}
	switch ev.Method {
	case EventRequestWillBeSent, EventResponseReceived, EventLoadingFinished, EventLoadingFailed:
	default:
		return
	}
	if err := s.events.Append(ev.Method, ev.Params); err != nil {
		s.log.Warn("failed to append to event log", "error", err)
	}
	s.track(ev)
	if err := s.tr.apply(ev, s.handler); err != nil {
		s.log.Warn("dropping malformed network event", "method", ev.Method, "error", err)
	}
}

// track updates load state before the handler sees the event, so a fetch
// started from the handler never waits on a load that already ended.
func (s *Source) track(ev Event) {
	var id struct {
		RequestID string `json:"requestId"`
		ErrorText string `json:"errorText"`
		Redirect  *struct {
			URL string `json:"url"`
		} `json:"redirectResponse"`
	}
	if err := json.Unmarshal(ev.Params, &id); err != nil || id.RequestID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Method {
	case EventRequestWillBeSent:
		if l, ok := s.loads[id.RequestID]; ok && l.closed && id.Redirect == nil {
			delete(s.loads, id.RequestID)
		}
	case EventLoadingFinished:
		l := s.loadLocked(id.RequestID)
		l.finish(nil)
		if l.waiters == 0 {
			s.keepEndedLocked(id.RequestID)
		}
	case EventLoadingFailed:
		l := s.loadLocked(id.RequestID)
		l.finish(fmt.Errorf("%w: %s", ErrLoadingFailed, id.ErrorText))
		if l.waiters == 0 {
			s.keepEndedLocked(id.RequestID)
		}
	}
}

// keepEndedLocked holds an ended load for a later fetch and forgets the
// oldest ones past maxEndedLoads.
func (s *Source) keepEndedLocked(requestID string) {
	s.ended = append(s.ended, requestID)
	for len(s.ended) > maxEndedLoads {
		old := s.ended[0]
		s.ended = s.ended[1:]
		if l, ok := s.loads[old]; ok && l.closed && l.waiters == 0 {
			delete(s.loads, old)
		}
	}
}

// release drops a waiter. A body that was fetched is not asked for again,
// so its load is forgotten; a failed one stays for the fallback fetch.
func (s *Source) release(requestID string, l *load, fetched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.waiters--
	if !l.closed || l.waiters > 0 || s.loads[requestID] != l {
		return
	}
	if fetched {
		delete(s.loads, requestID)
		return
	}
	s.keepEndedLocked(requestID)
}

func (s *Source) loadLocked(requestID string) *load {
	l, ok := s.loads[requestID]
	if !ok {
		l = &load{done: make(chan struct{})}
		s.loads[requestID] = l
	}
	return l
}

// ResponseBody waits for the request to finish loading, then fetches and
// decodes its body.
func (s *Source) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	s.mu.Lock()
	l := s.loadLocked(requestID)
	l.waiters++
	s.mu.Unlock()
	fetched := false
	defer func() { s.release(requestID, l, fetched) }()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s to load: %w", requestID, ctx.Err())
	case <-s.client.Done():
		return nil, s.client.Err()
	case <-l.done:
	}
	if l.err != nil {
		s.recordBody(ResponseBody{RequestID: requestID, Error: l.err.Error()})
		return nil, l.err
	}

	var res ResponseBody
	if err := s.client.Call(ctx, MethodGetResponseBody, map[string]string{"requestId": requestID}, &res); err != nil {
		s.recordBody(ResponseBody{RequestID: requestID, Error: err.Error()})
		return nil, err
	}
	res.RequestID = requestID
	s.recordBody(res)
	fetched = true
	return decodeBody(res)
}

// PostData fetches the request body of requestID.
func (s *Source) PostData(ctx context.Context, requestID string) (string, error) {
	var res PostData
	if err := s.client.Call(ctx, MethodGetRequestPostData, map[string]string{"requestId": requestID}, &res); err != nil {
		s.recordPostData(PostData{RequestID: requestID, Error: err.Error()})
		return "", err
	}
	res.RequestID = requestID
	s.recordPostData(res)
	return res.PostData, nil
}

func (s *Source) recordBody(b ResponseBody) {
	if err := s.events.Append(logResponseBody, b); err != nil {
		s.log.Warn("failed to append body to event log", "requestId", b.RequestID, "error", err)
	}
}

func (s *Source) recordPostData(p PostData) {
	if err := s.events.Append(logPostData, p); err != nil {
		s.log.Warn("failed to append post data to event log", "requestId", p.RequestID, "error", err)
	}
}

func decodeBody(b ResponseBody) ([]byte, error) {
	if b.Error != "" {
		return nil, errors.New(b.Error)
	}
	if !b.Base64Encoded {
		return []byte(b.Body), nil
	}
	data, err := base64.StdEncoding.DecodeString(b.Body)
	if err != nil {
		return nil, fmt.Errorf("decode body of %s: %w", b.RequestID, err)
	}
	return data, nil
}

// Navigate loads url in the page.
func Navigate(ctx context.Context, client *Client, url string) (*NavigateResult, error) {
	var res NavigateResult
	if err := client.Call(ctx, MethodPageNavigate, map[string]string{"url": url}, &res); err != nil {
		return nil, err
	}
	if res.ErrorText != "" {
		return &res, fmt.Errorf("navigate to %s: %s", url, res.ErrorText)
	}
	return &res, nil
}
