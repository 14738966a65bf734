package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/getmockd/warcrec/pkg/logging"
	"github.com/getmockd/warcrec/pkg/metrics"
	"github.com/getmockd/warcrec/pkg/recording"
	"github.com/getmockd/warcrec/pkg/tracing"
	"github.com/getmockd/warcrec/pkg/util"
	"github.com/getmockd/warcrec/pkg/warc"
)

// DefaultBodyTimeout bounds one eager body fetch.
const DefaultBodyTimeout = 30 * time.Second

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("capturer closed")

// Options configures a Capturer.
type Options struct {
	// Sink receives the records of every archived exchange. Required.
	Sink warc.Sink
	// Serializer builds the records. Defaults to a SHA-1 serializer with no
	// fallback body source.
	Serializer *warc.Serializer
	// Bodies is used to prefetch response bodies as soon as a response
	// arrives. Nil disables prefetching.
	Bodies      warc.BodySource
	BodyTimeout time.Duration
	// Filter limits what is archived. Nil records everything.
	Filter *recording.Filter
	// DowngradeHTTP2 is passed to the exchange table.
	DowngradeHTTP2 bool
	Session        *recording.Session
	Metrics        *metrics.Capture
	// Tracer records a span for the run and one per archived exchange.
	Tracer *tracing.Tracer
	Logger *slog.Logger
}

// Stats counts what a Capturer has done so far.
type Stats struct {
	Table     recording.Summary `json:"table"`
	Archived  int               `json:"archived"`
	Filtered  int               `json:"filtered"`
	Failed    int               `json:"failed"`
	Records   int               `json:"records"`
	BodyFails int               `json:"bodyFailures"`
	// Dropped counts notifications that arrived after Flush or Close.
	Dropped int `json:"dropped"`
}

// Capturer folds network notifications into exchanges and archives each
// exchange once its request is known and its body fetch has settled.
// It implements cdp.Handler.
type Capturer struct {
	table   *recording.Table
	ser     *warc.Serializer
	sink    warc.Sink
	bodies  warc.BodySource
	filter  *recording.Filter
	session *recording.Session
	metrics *metrics.Capture
	tracer  *tracing.Tracer
	log     *slog.Logger
	timeout time.Duration

	// runCtx carries the run span that archive spans hang off.
	runCtx  context.Context
	runSpan *tracing.Span

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
	errs  []error
	// draining stops intake; it is set by Flush and Close.
	draining bool
	closed   bool
}

// New creates a Capturer.
func New(opts Options) (*Capturer, error) {
	if opts.Sink == nil {
		return nil, errors.New("capture: sink is required")
	}
	ser := opts.Serializer
	if ser == nil {
		ser = warc.NewSerializer(warc.SerializerOptions{})
	}
	timeout := opts.BodyTimeout
	if timeout <= 0 {
		timeout = DefaultBodyTimeout
	}
	log := logging.OrNop(opts.Logger)
	m := opts.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	c := &Capturer{
		ser:     ser,
		sink:    opts.Sink,
		bodies:  opts.Bodies,
		filter:  opts.Filter,
		session: opts.Session,
		metrics: m,
		tracer:  opts.Tracer,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.runCtx, c.runSpan = c.tracer.Start(context.Background(), "capture")
	c.table = recording.NewTable(recording.TableOptions{
		DowngradeHTTP2: opts.DowngradeHTTP2,
		Logger:         log,
		OnCollision: func(string, string) {
			m.Collision()
		},
	})
	return c, nil
}

// Table returns the exchange table.
func (c *Capturer) Table() *recording.Table {
	return c.table
}

// HandleNotification folds n into the table, starts a body prefetch when a
// response arrives and archives the exchange if it is ready.
func (c *Capturer) HandleNotification(n recording.Notification) {
	if !c.enter() {
		c.log.Debug("capture stopped, dropping notification", "kind", n.Kind, "exchangeId", n.ExchangeID)
		return
	}
	defer c.wg.Done()
	c.metrics.Notification(string(n.Kind))

	key, err := c.table.Ingest(n)
	if err != nil {
		c.log.Debug("dropping notification", "kind", n.Kind, "error", err)
		return
	}
	if n.Kind == recording.KindResponseReceived {
		c.prefetch(key, n)
	}
	c.maybeArchive(key)
}

// HandleLoadingFinished is a no-op: bodies are requested as soon as the
// response arrives and the source delays the fetch until loading finished.
func (c *Capturer) HandleLoadingFinished(string) {}

// HandleLoadingFailed archives an exchange that will never see a response.
// Exchanges with a pending body fetch are archived when the fetch fails.
func (c *Capturer) HandleLoadingFailed(exchangeID, reason string) {
	if !c.enter() {
		return
	}
	defer c.wg.Done()

	key, ok := c.table.Resolve(exchangeID)
	if !ok {
		return
	}
	c.log.Debug("loading failed", "exchangeId", exchangeID, "reason", reason)

	ex, ok := c.table.Get(key)
	if !ok || ex.Persisted() || ex.BodyPending() {
		return
	}
	if ex.HasRequest() {
		c.archive(c.ctx, key)
	}
}

// enter registers a handler call with the WaitGroup unless intake has
// stopped. Registration and the draining flag share c.mu, so every Add
// happens before the Wait in Flush.
func (c *Capturer) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		c.stats.Dropped++
		return false
	}
	c.wg.Add(1)
	return true
}

// prefetch claims the body fetch synchronously so the exchange reads as
// body-pending before maybeArchive looks at it. It only runs inside a call
// registered by enter, so the WaitGroup counter is above zero at its Add.
func (c *Capturer) prefetch(key string, n recording.Notification) {
	if c.bodies == nil || !recordable(n.URL()) || !c.filter.ShouldRecord(n.URL()) {
		return
	}
	if !c.table.BeginBodyFetch(key) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()

		_, span := c.tracer.Start(c.runCtx, "fetch body")
		span.SetAttribute("cdp.request_id", n.ExchangeID)
		data, err := c.bodies.ResponseBody(ctx, n.ExchangeID)
		span.RecordError(err)
		span.End()
		if err != nil {
			c.metrics.BodyFetch(metrics.FetchFailed)
			c.log.Warn("body fetch failed", "exchangeId", n.ExchangeID, "url", util.Truncate(n.URL(), 0), "error", err)
			c.mu.Lock()
			c.stats.BodyFails++
			c.mu.Unlock()
		} else {
			c.metrics.BodyFetch(metrics.FetchOK)
			c.metrics.ObservePayload(len(data))
		}
		c.table.AttachBody(key, data, err)
		c.maybeArchive(key)
	}()
}

func (c *Capturer) maybeArchive(key string) {
	ex, ok := c.table.Get(key)
	if !ok || ex.Persisted() || !ex.IsComplete() || ex.BodyPending() {
		return
	}
	c.archive(c.ctx, key)
}

// archive takes the exchange out of the table and writes its records.
// Take succeeds once per key, so concurrent callers archive at most once.
func (c *Capturer) archive(ctx context.Context, key string) {
	ex, ok := c.table.Take(key)
	if !ok {
		return
	}
	defer c.metrics.SetOpen(len(c.table.Pending()))

	target := ex.TargetURL()
	logURL := util.Truncate(target, 0)
	_, span := c.tracer.Start(c.runCtx, "archive")
	defer span.End()
	span.SetAttribute("exchange.key", key)
	span.SetAttribute("warc.target_uri", target)
	keep := recordable(target) && c.filter.ShouldRecord(target)
	if keep {
		var err error
		if keep, err = c.filter.Keep(ex); err != nil {
			c.log.Warn("filter expression failed, keeping exchange", "key", key, "error", err)
		}
	}
	if !keep {
		c.metrics.Exchange(metrics.OutcomeFiltered)
		c.mu.Lock()
		c.stats.Filtered++
		c.mu.Unlock()
		c.log.Debug("exchange filtered", "key", key, "url", logURL)
		span.AddEvent("filtered")
		return
	}

	start := time.Now()
	res, err := c.ser.Serialize(ctx, ex, nil)
	c.metrics.ObserveSerialize(time.Since(start))
	if err != nil {
		span.RecordError(err)
		c.fail(key, err)
		return
	}
	prefetchFailed := ex.Body != nil && ex.Body.Err != nil
	switch {
	case res.BodyErr != nil:
		c.log.Warn("archiving without payload", "key", key, "url", logURL, "error", res.BodyErr)
		span.AddEvent("payload missing", "error", res.BodyErr.Error())
	case prefetchFailed:
		c.metrics.BodyFetch(metrics.FetchFallback)
		span.AddEvent("body fallback")
	}
	if res.PostDataErr != nil {
		c.log.Warn("archiving without post data", "key", key, "url", logURL, "error", res.PostDataErr)
		span.AddEvent("post data missing", "error", res.PostDataErr.Error())
	}

	records := res.Records()
	if err := c.sink.Write(records...); err != nil {
		err = fmt.Errorf("write exchange %s: %w", key, err)
		span.RecordError(err)
		c.fail(key, err)
		return
	}
	for _, r := range records {
		c.metrics.Record(string(r.Type), r.ContentLength())
	}
	c.metrics.Exchange(metrics.OutcomeArchived)
	span.SetAttribute("warc.records", strconv.Itoa(len(records)))
	span.SetStatus(tracing.StatusOK, "")
	if c.session != nil {
		c.session.RecordPersisted(len(records))
	}

	c.mu.Lock()
	c.stats.Archived++
	c.stats.Records += len(records)
	c.mu.Unlock()

	c.log.Debug("exchange archived", "key", key, "url", logURL, "records", len(records))
}

func (c *Capturer) fail(key string, err error) {
	c.log.Warn("exchange not archived", "key", key, "error", err)
	c.metrics.Exchange(metrics.OutcomeFailed)
	if c.session != nil {
		c.session.RecordFailure()
	}
	c.mu.Lock()
	c.stats.Failed++
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

// Flush stops intake, waits for running handler calls and body fetches,
// then archives every exchange still in the table, including headless ones
// and ones that never got a response. Notifications arriving afterwards are
// dropped. If ctx ends first, running fetches are canceled and their
// exchanges are archived without a prefetched body.
func (c *Capturer) Flush(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.draining = true
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.cancel()
		<-done
	}

	for _, key := range c.table.Pending() {
		c.archive(ctx, key)
	}
	return ctx.Err()
}

// Close stops intake and running body fetches and ends the run span. It
// does not close the sink or shut the tracer down.
func (c *Capturer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.draining = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()

	s := c.Stats()
	c.runSpan.SetAttribute("capture.archived", strconv.Itoa(s.Archived))
	c.runSpan.SetAttribute("capture.failed", strconv.Itoa(s.Failed))
	c.runSpan.End()
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Capturer) Stats() Stats {
	c.mu.Lock()
	s := c.stats
	c.mu.Unlock()
	s.Table = c.table.Summary()
	return s
}

// Errors returns the errors of exchanges that could not be archived.
func (c *Capturer) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

// recordable reports whether a URL can be archived. data: and blob: URLs
// have no network exchange behind them.
func recordable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Kept so the serializer reports it.
		return true
	}
	switch u.Scheme {
	case "http", "https":
		return true
	case "":
		// Headless exchanges are decided on at archive time.
		return rawURL == ""
	default:
		return false
	}
}
