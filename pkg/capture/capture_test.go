package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/warcrec/pkg/metrics"
	"github.com/getmockd/warcrec/pkg/recording"
	"github.com/getmockd/warcrec/pkg/tracing"
	"github.com/getmockd/warcrec/pkg/warc"
)

type memorySink struct {
	mu      sync.Mutex
	records []*warc.Record
	err     error
}

func (s *memorySink) Write(records ...*warc.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) all() []*warc.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*warc.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeBodies serves bodies by exchange id. When gate is set every fetch
// blocks until it is closed.
type fakeBodies struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  map[string]int
	gate   chan struct{}
}

func newFakeBodies(bodies map[string][]byte) *fakeBodies {
	return &fakeBodies{bodies: bodies, calls: make(map[string]int)}
}

func (f *fakeBodies) ResponseBody(ctx context.Context, exchangeID string) ([]byte, error) {
	f.mu.Lock()
	f.calls[exchangeID]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bodies[exchangeID]
	if !ok {
		return nil, errors.New("no resource with given identifier found")
	}
	return b, nil
}

func (f *fakeBodies) PostData(context.Context, string) (string, error) {
	return "", errors.New("no post data")
}

func (f *fakeBodies) callCount(exchangeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[exchangeID]
}

func request(id, rawURL string) recording.Notification {
	return recording.RequestSent(id, recording.RequestInfo{
		URL:     rawURL,
		Method:  "GET",
		Headers: recording.Headers{"Accept": "*/*"},
	})
}

func response(id, rawURL string, status int) recording.Notification {
	return recording.ResponseReceived(id, recording.ResponseInfo{
		URL:      rawURL,
		Status:   status,
		Headers:  recording.Headers{"Content-Type": "text/plain"},
		Protocol: "http/1.1",
	})
}

func newTestCapturer(t *testing.T, opts Options) (*Capturer, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	if opts.Sink == nil {
		opts.Sink = sink
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, sink
}

func TestNew_RequiresSink(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCapturer_ArchivesOnceBodySettles(t *testing.T) {
	t.Parallel()

	bodies := newFakeBodies(map[string][]byte{"1": []byte("hello")})
	bodies.gate = make(chan struct{})
	c, sink := newTestCapturer(t, Options{Bodies: bodies})

	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 200))
	assert.Equal(t, 0, sink.count(), "archived before the body arrived")

	close(bodies.gate)
	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	records := sink.all()
	assert.Equal(t, warc.TypeRequest, records[0].Type)
	assert.Equal(t, warc.TypeResponse, records[1].Type)
	assert.Equal(t, []byte("hello"), records[1].HTTPPayload())
	assert.Equal(t, 1, bodies.callCount("1"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Table.Persisted)
}

func TestCapturer_HeadlessCompletesWhenRequestArrives(t *testing.T) {
	t.Parallel()

	bodies := newFakeBodies(map[string][]byte{"h": []byte("x")})
	c, sink := newTestCapturer(t, Options{Bodies: bodies})

	c.HandleNotification(response("h", "https://example.com/late", 200))
	require.Eventually(t, func() bool {
		ex, ok := c.Table().Get("h")
		return ok && ex.Body != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sink.count())

	c.HandleNotification(request("h", "https://example.com/late"))
	require.Equal(t, 2, sink.count())
	assert.Equal(t, "https://example.com/late", sink.all()[0].TargetURI)
}

func TestCapturer_WithoutBodySourceArchivesImmediately(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{})
	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 204))
	assert.Equal(t, 2, sink.count())
}

func TestCapturer_FilterSkipsExcludedHosts(t *testing.T) {
	t.Parallel()

	filter, err := recording.NewFilter(recording.FilterConfig{ExcludeHosts: []string{"*.tracker.test"}})
	require.NoError(t, err)
	bodies := newFakeBodies(map[string][]byte{"1": []byte("a"), "2": []byte("b")})
	c, sink := newTestCapturer(t, Options{Bodies: bodies, Filter: filter})

	c.HandleNotification(request("1", "https://ads.tracker.test/pixel"))
	c.HandleNotification(response("1", "https://ads.tracker.test/pixel", 200))
	c.HandleNotification(request("2", "https://example.com/"))
	c.HandleNotification(response("2", "https://example.com/", 200))
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 0, bodies.callCount("1"), "filtered exchanges are not fetched")
	records := sink.all()
	require.Len(t, records, 2)
	assert.Equal(t, "https://example.com/", records[0].TargetURI)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Filtered)
	assert.Equal(t, 1, stats.Archived)
}

func TestCapturer_ExpressionFilter(t *testing.T) {
	t.Parallel()

	filter, err := recording.NewFilter(recording.FilterConfig{Expression: "status < 400"})
	require.NoError(t, err)
	c, sink := newTestCapturer(t, Options{Filter: filter})

	c.HandleNotification(request("ok", "https://example.com/a"))
	c.HandleNotification(response("ok", "https://example.com/a", 200))
	c.HandleNotification(request("nf", "https://example.com/b"))
	c.HandleNotification(response("nf", "https://example.com/b", 404))

	assert.Equal(t, 2, sink.count())
	assert.Equal(t, 1, c.Stats().Filtered)
}

func TestCapturer_SkipsNonNetworkSchemes(t *testing.T) {
	t.Parallel()

	bodies := newFakeBodies(nil)
	c, sink := newTestCapturer(t, Options{Bodies: bodies})

	c.HandleNotification(request("d", "data:text/plain,hi"))
	c.HandleNotification(response("d", "data:text/plain,hi", 200))
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, bodies.callCount("d"))
	assert.Equal(t, 1, c.Stats().Filtered)
}

func TestCapturer_LoadingFailedArchivesRequest(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{Bodies: newFakeBodies(nil)})
	c.HandleNotification(request("f", "https://unreachable.test/"))
	c.HandleLoadingFailed("f", "net::ERR_NAME_NOT_RESOLVED")

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, warc.TypeRequest, records[0].Type)

	c.HandleLoadingFailed("unknown", "canceled")
	assert.Equal(t, 1, sink.count())
}

func TestCapturer_FailedBodyFetchStillArchives(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{Bodies: newFakeBodies(nil)})
	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 200))
	require.NoError(t, c.Flush(context.Background()))

	records := sink.all()
	require.Len(t, records, 2)
	assert.Contains(t, string(records[1].Block), "Content-Length: 0\r\n")
	assert.Equal(t, 1, c.Stats().BodyFails)
	assert.Empty(t, c.Errors())
}

func TestCapturer_FlushArchivesRemaining(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{})
	c.HandleNotification(request("req", "https://example.com/pending"))
	c.HandleNotification(response("head", "https://example.com/headless", 200))
	assert.Equal(t, 0, sink.count())

	require.NoError(t, c.Flush(context.Background()))

	records := sink.all()
	require.Len(t, records, 3)
	assert.Equal(t, "https://example.com/pending", records[0].TargetURI)
	assert.Equal(t, warc.TypeRequest, records[1].Type)
	assert.Equal(t, "https://example.com/headless", records[1].TargetURI)
	assert.Equal(t, warc.TypeResponse, records[2].Type)
	assert.Empty(t, c.Table().Pending())
}

func TestCapturer_FlushCancelsSlowFetches(t *testing.T) {
	t.Parallel()

	bodies := newFakeBodies(map[string][]byte{"1": []byte("never")})
	bodies.gate = make(chan struct{})
	c, sink := newTestCapturer(t, Options{Bodies: bodies})

	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 200))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, sink.count())
}

func TestCapturer_MissingURLIsReported(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{})
	c.HandleNotification(response("nourl", "", 200))
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 0, sink.count())
	errs := c.Errors()
	require.Len(t, errs, 1)
	var serr *warc.SerializeError
	assert.ErrorAs(t, errs[0], &serr)
	assert.ErrorIs(t, errs[0], warc.ErrMissingURL)
	assert.Equal(t, 1, c.Stats().Failed)
}

func TestCapturer_SinkErrorIsReported(t *testing.T) {
	t.Parallel()

	sink := &memorySink{err: errors.New("disk full")}
	session := recording.NewSession("t")
	c, _ := newTestCapturer(t, Options{Sink: sink, Session: session})

	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 200))

	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "disk full")
	assert.Equal(t, 1, session.Summary().Failures)
}

func TestCapturer_IDReuseArchivesBothExchanges(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{})
	c.HandleNotification(request("r", "https://example.com/one"))
	c.HandleNotification(response("r", "https://example.com/one", 200))
	c.HandleNotification(request("r", "https://example.com/two"))
	c.HandleNotification(response("r", "https://example.com/two", 200))

	records := sink.all()
	require.Len(t, records, 4)
	assert.Equal(t, "https://example.com/one", records[0].TargetURI)
	assert.Equal(t, "https://example.com/two", records[2].TargetURI)
}

func TestCapturer_UpdatesMetricsAndSession(t *testing.T) {
	t.Parallel()

	registry := metrics.NewRegistry()
	m := metrics.NewCapture(registry)
	session := recording.NewSession("metrics")
	bodies := newFakeBodies(map[string][]byte{"1": []byte("payload")})
	c, _ := newTestCapturer(t, Options{Bodies: bodies, Metrics: m, Session: session})

	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 200))
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 1.0, m.Notifications.Value("request"))
	assert.Equal(t, 1.0, m.Notifications.Value("response"))
	assert.Equal(t, 1.0, m.Exchanges.Value(metrics.OutcomeArchived))
	assert.Equal(t, 1.0, m.Records.Value("request"))
	assert.Equal(t, 1.0, m.Records.Value("response"))
	assert.Equal(t, 1.0, m.BodyFetches.Value(metrics.FetchOK))
	assert.Equal(t, 0.0, m.OpenExchanges.Value())

	summary := session.Summary()
	assert.Equal(t, 1, summary.Exchanges)
	assert.Equal(t, 2, summary.Records)
}

func TestCapturer_FlushAfterClose(t *testing.T) {
	c, _ := newTestCapturer(t, Options{})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Flush(context.Background()), ErrClosed)
}

func TestCapturer_FlushWhileNotificationsArrive(t *testing.T) {
	t.Parallel()

	c, sink := newTestCapturer(t, Options{Bodies: newFakeBodies(nil)})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := strconv.Itoa(i)
			target := "https://example.com/" + id
			c.HandleNotification(request(id, target))
			c.HandleNotification(response(id, target, 200))
		}
	}()

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_ = c.Flush(ctx)

	c.HandleNotification(request("late", "https://example.com/late"))
	close(stop)
	<-done

	assert.Empty(t, c.Table().Pending())
	stats := c.Stats()
	assert.Equal(t, stats.Records, sink.count())
	assert.GreaterOrEqual(t, stats.Dropped, 1)
	assert.Empty(t, c.Errors())
	for _, r := range sink.all() {
		assert.NotEqual(t, "https://example.com/late", r.TargetURI)
	}
}

func TestCapturer_DropsNotificationsAfterClose(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	c, _ := newTestCapturer(t, Options{Sink: sink})
	require.NoError(t, c.Flush(context.Background()))
	require.NoError(t, c.Close())
	sink.err = errors.New("sink is closed")

	c.HandleNotification(request("late", "https://example.com/late"))
	c.HandleNotification(response("late", "https://example.com/late", 200))
	c.HandleLoadingFailed("late", "net::ERR_ABORTED")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 3, stats.Dropped)
	assert.Empty(t, c.Errors())
	assert.Equal(t, 0, c.Table().Len())
}

func TestCapturer_TracesArchives(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tracer := tracing.NewTracer("warcrec", tracing.WithExporter(tracing.NewJSONExporter(&buf)))
	filter, err := recording.NewFilter(recording.FilterConfig{ExcludeHosts: []string{"*.tracker.test"}})
	require.NoError(t, err)
	c, _ := newTestCapturer(t, Options{Filter: filter, Tracer: tracer})

	c.HandleNotification(request("1", "https://example.com/"))
	c.HandleNotification(response("1", "https://example.com/", 200))
	c.HandleNotification(request("2", "https://ads.tracker.test/pixel"))
	c.HandleNotification(response("2", "https://ads.tracker.test/pixel", 200))
	require.NoError(t, c.Close())
	require.NoError(t, tracer.Shutdown(context.Background()))

	type span struct {
		Name       string            `json:"name"`
		Status     string            `json:"status"`
		ParentID   string            `json:"parentId"`
		SpanID     string            `json:"spanId"`
		Attributes map[string]string `json:"attributes"`
		Events     []struct {
			Name string `json:"name"`
		} `json:"events"`
	}
	var spans []span
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var s span
		require.NoError(t, dec.Decode(&s))
		spans = append(spans, s)
	}
	require.Len(t, spans, 3)

	archived, filtered, run := spans[0], spans[1], spans[2]
	assert.Equal(t, "capture", run.Name)
	assert.Equal(t, "1", run.Attributes["capture.archived"])

	assert.Equal(t, "archive", archived.Name)
	assert.Equal(t, run.SpanID, archived.ParentID)
	assert.Equal(t, "OK", archived.Status)
	assert.Equal(t, "2", archived.Attributes["warc.records"])
	assert.Equal(t, "https://example.com/", archived.Attributes["warc.target_uri"])

	assert.Equal(t, "UNSET", filtered.Status)
	require.Len(t, filtered.Events, 1)
	assert.Equal(t, "filtered", filtered.Events[0].Name)
}
