package recording

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/warcrec/internal/id"
	"github.com/getmockd/warcrec/pkg/logging"
)

// TableOptions configures a Table.
type TableOptions struct {
	// DowngradeHTTP2 reports every protocol other than HTTP/1.0 and HTTP/1.1
	// as HTTP/1.1.
	DowngradeHTTP2 bool

	// Logger receives debug output about collisions. Defaults to a no-op logger.
	Logger *slog.Logger

	// OnCollision is called, under the table lock, whenever a notification
	// is diverted to a freshly minted exchange.
	OnCollision func(exchangeID, key string)

	// Now and NewSuffix are overridable for tests.
	Now       func() time.Time
	NewSuffix func() string
}

// Table consolidates notifications into exchanges keyed by exchange id.
// It is safe for concurrent use; notifications for different ids may
// interleave arbitrarily.
type Table struct {
	mu        sync.Mutex
	opts      TableOptions
	log       *slog.Logger
	exchanges map[string]*Exchange
	order     []string
	// current maps an exchange id to the key of the newest exchange created
	// for it, so follow-up notifications land on the minted exchange.
	current map[string]string
}

// NewTable creates an empty table.
func NewTable(opts TableOptions) *Table {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSuffix == nil {
		opts.NewSuffix = id.Suffix
	}
	return &Table{
		opts:      opts,
		log:       logging.OrNop(opts.Logger),
		exchanges: make(map[string]*Exchange),
		current:   make(map[string]string),
	}
}

// Ingest dispatches n on its kind and returns the key of the exchange it was
// folded into.
func (t *Table) Ingest(n Notification) (string, error) {
	if n.ExchangeID == "" {
		return "", ErrEmptyExchange
	}
	switch n.Kind {
	case KindRequestSent:
		return t.IngestRequest(n), nil
	case KindResponseReceived:
		return t.IngestResponse(n), nil
	case KindRedirectReceived:
		return t.IngestRedirect(n), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, n.Kind)
	}
}

// IngestRequest folds a request notification into the table. An unseen id
// starts a new exchange; a headless exchange is completed; an exchange that
// already has its request is never overwritten, the notification goes to a
// newly minted exchange instead.
func (t *Table) IngestRequest(n Notification) string {
	if n.Request == nil || n.ExchangeID == "" {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ingestRequestLocked(t.resolveLocked(n.ExchangeID), n)
}

func (t *Table) ingestRequestLocked(key string, n Notification) string {
	ex, ok := t.exchanges[key]
	switch {
	case !ok:
		ex = t.createLocked(key, n.ExchangeID)
	case isRedirectLeg(ex, n.Request):
		continueLegLocked(ex, n.Request)
		return key
	case ex.persisted || ex.HasRequest():
		return t.ingestRequestLocked(t.mintLocked(n.ExchangeID), n)
	}

	req := n.Request
	ex.requestSeen = true
	ex.URL = req.URL
	if req.Method != "" {
		ex.Method = req.Method
	}
	if req.Headers != nil {
		ex.Headers = req.Headers.Clone()
	} else if ex.Headers == nil {
		ex.Headers = Headers{}
	}
	if req.PostData != nil {
		pd := *req.PostData
		ex.PostData = &pd
	}
	return key
}

// isRedirectLeg reports whether req is the follow-up request of a redirect
// hop already recorded on ex.
func isRedirectLeg(ex *Exchange, req *RequestInfo) bool {
	return req.RedirectedFrom != "" && !ex.persisted && ex.HasRequest() &&
		!ex.HasResponse() && len(ex.Redirects) > 0
}

// continueLegLocked moves the request side of ex to the next leg of its
// redirect chain. The original URL is kept and the leg's URL goes to
// LegURL; hops already recorded keep the headers and method they were sent
// with.
func continueLegLocked(ex *Exchange, req *RequestInfo) {
	if req.URL != "" {
		ex.LegURL = req.URL
	}
	if req.Method != "" {
		ex.Method = req.Method
	}
	if req.Headers != nil {
		ex.Headers = req.Headers.Clone()
	}
	ex.PostData = nil
	if req.PostData != nil {
		pd := *req.PostData
		ex.PostData = &pd
	}
}

// IngestResponse folds a response notification into the table. Responses
// arriving before their request leave the exchange headless until the
// request shows up. A response for a fully populated exchange is a distinct
// exchange that reused the id.
func (t *Table) IngestResponse(n Notification) string {
	if n.Response == nil || n.ExchangeID == "" {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ingestResponseLocked(t.resolveLocked(n.ExchangeID), n)
}

func (t *Table) ingestResponseLocked(key string, n Notification) string {
	ex, ok := t.exchanges[key]
	if !ok {
		ex = t.createLocked(key, n.ExchangeID)
	} else if ex.persisted || ex.IsComplete() {
		return t.ingestResponseLocked(t.mintLocked(n.ExchangeID), n)
	}
	t.mergeResponseLocked(ex, n.Response)
	return key
}

// mergeResponseLocked appends a response snapshot, keeping every response
// ever seen for the exchange in arrival order.
func (t *Table) mergeResponseLocked(ex *Exchange, res *ResponseInfo) {
	snap := Snapshot{
		URL:                res.URL,
		Status:             res.Status,
		StatusText:         res.StatusText,
		Headers:            res.Headers.Clone(),
		HeadersText:        res.HeadersText,
		RequestHeaders:     res.RequestHeaders.Clone(),
		RequestHeadersText: res.RequestHeadersText,
		Method:             res.Method,
		Protocol:           NormalizeProtocol(res.Protocol, t.opts.DowngradeHTTP2),
		Encoding:           ContentEncoding(res.Headers, res.HeadersText),
		MimeType:           res.MimeType,
	}
	ex.Responses = append(ex.Responses, snap)

	if ex.Protocol == "" {
		ex.Protocol = snap.Protocol
	}
	if !ex.HasRequest() {
		t.deriveRequestLocked(ex, res)
	}
}

// deriveRequestLocked fills request headers, method and protocol from what
// the response reports about its request. The URL is left alone so the
// exchange stays headless until its own request notification arrives.
func (t *Table) deriveRequestLocked(ex *Exchange, res *ResponseInfo) {
	var text HeaderText
	if res.RequestHeadersText != "" {
		text = ParseHeaderText(res.RequestHeadersText)
	}

	if ex.Headers == nil {
		switch {
		case res.RequestHeaders != nil:
			ex.Headers = res.RequestHeaders.Clone()
		case text.Headers != nil:
			ex.Headers = text.Headers
		}
	}

	if ex.Method == "" {
		if m, ok := res.RequestHeaders.Get(":method"); ok && m != "" {
			ex.Method = m
		} else {
			ex.Method = text.Method()
		}
	}

	if p := text.RequestProtocol(); p != "" {
		ex.Protocol = NormalizeProtocol(p, t.opts.DowngradeHTTP2)
	}
}

// IngestRedirect appends a redirect hop to the exchange, creating it if the
// id is unseen. Redirects never count as collisions; only an exchange that
// was already persisted diverts them to a new exchange.
func (t *Table) IngestRedirect(n Notification) string {
	if n.Redirect == nil || n.ExchangeID == "" {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.resolveLocked(n.ExchangeID)
	ex, ok := t.exchanges[key]
	if !ok {
		ex = t.createLocked(key, n.ExchangeID)
	} else if ex.persisted {
		key = t.mintLocked(n.ExchangeID)
		ex = t.createLocked(key, n.ExchangeID)
	}

	rr := n.Redirect
	hop := Snapshot{
		URL:                rr.URL,
		Status:             rr.Status,
		StatusText:         rr.StatusText,
		Headers:            rr.Headers.Clone(),
		HeadersText:        rr.HeadersText,
		RequestHeaders:     rr.RequestHeaders.Clone(),
		RequestHeadersText: rr.RequestHeadersText,
		Method:             rr.Method,
		Protocol:           NormalizeProtocol(rr.Protocol, t.opts.DowngradeHTTP2),
		Encoding:           ContentEncoding(rr.Headers, rr.HeadersText),
		MimeType:           rr.MimeType,
	}
	if hop.RequestHeaders == nil {
		hop.RequestHeaders = ex.Headers.Clone()
	}
	if hop.Method == "" {
		hop.Method = ex.Method
	}
	ex.Redirects = append(ex.Redirects, hop)
	return key
}

// Resolve returns the key of the newest exchange created for exchangeID.
func (t *Table) Resolve(exchangeID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.current[exchangeID]
	return key, ok
}

func (t *Table) resolveLocked(exchangeID string) string {
	if key, ok := t.current[exchangeID]; ok {
		return key
	}
	return exchangeID
}

func (t *Table) createLocked(key, exchangeID string) *Exchange {
	ex := &Exchange{
		Key:        key,
		ExchangeID: exchangeID,
		Created:    t.opts.Now(),
	}
	t.exchanges[key] = ex
	t.order = append(t.order, key)
	t.current[exchangeID] = key
	return ex
}

func (t *Table) mintLocked(exchangeID string) string {
	key := exchangeID + "-" + t.opts.NewSuffix()
	for {
		if _, taken := t.exchanges[key]; !taken {
			break
		}
		key = exchangeID + "-" + t.opts.NewSuffix()
	}
	t.log.Debug("exchange id reused, minted new exchange", "exchangeId", exchangeID, "key", key)
	if t.opts.OnCollision != nil {
		t.opts.OnCollision(exchangeID, key)
	}
	return key
}

// Get returns a copy of the exchange stored under key.
func (t *Table) Get(key string) (*Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.exchanges[key]
	if !ok {
		return nil, false
	}
	return ex.Clone(), true
}

// Keys returns every exchange key in creation order.
func (t *Table) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, len(t.order))
	copy(keys, t.order)
	return keys
}

// Pending returns the keys of exchanges not yet persisted, in creation order.
func (t *Table) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for _, k := range t.order {
		if !t.exchanges[k].persisted {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of exchanges in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.exchanges)
}

// BeginBodyFetch claims the body fetch for an exchange. It returns true
// exactly once per exchange, so concurrent triggers fetch at most once.
func (t *Table) BeginBodyFetch(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.exchanges[key]
	if !ok || ex.bodyStarted || ex.persisted {
		return false
	}
	ex.bodyStarted = true
	return true
}

// AttachBody stores the outcome of a body fetch on the exchange. It returns
// false if the exchange is unknown or already persisted.
func (t *Table) AttachBody(key string, data []byte, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.exchanges[key]
	if !ok || ex.persisted {
		return false
	}
	ex.Body = &Body{Data: data, Err: err}
	if err != nil {
		ex.Body.Data = nil
	}
	return true
}

// Take marks the exchange persisted and returns a copy for serialization.
// From then on the stored exchange is immutable and later notifications for
// its id start new exchanges. Take returns false if the exchange is unknown
// or was already taken.
func (t *Table) Take(key string) (*Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.exchanges[key]
	if !ok || ex.persisted {
		return nil, false
	}
	ex.persisted = true
	out := ex.Clone()
	// The stored copy only serves collision detection from now on.
	ex.Body = nil
	return out, true
}

// Summary counts exchanges by state.
type Summary struct {
	Exchanges int `json:"exchanges"`
	Complete  int `json:"complete"`
	Headless  int `json:"headless"`
	InFlight  int `json:"inFlight"`
	Persisted int `json:"persisted"`
	Redirects int `json:"redirects"`
}

// Summary returns counts over the whole table.
func (t *Table) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{Exchanges: len(t.exchanges)}
	for _, ex := range t.exchanges {
		switch {
		case ex.IsComplete():
			s.Complete++
		case ex.IsHeadless():
			s.Headless++
		default:
			s.InFlight++
		}
		if ex.persisted {
			s.Persisted++
		}
		s.Redirects += len(ex.Redirects)
	}
	return s
}
