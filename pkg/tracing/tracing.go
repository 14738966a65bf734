package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// SpanStatus is the outcome of a span.
type SpanStatus int

const (
	StatusUnset SpanStatus = iota
	StatusOK
	StatusError
)

func (s SpanStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Attrs     map[string]string `json:"attributes,omitempty"`
}

// Span is one timed operation.
type Span struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentID      string            `json:"parentId,omitempty"`
	Name          string            `json:"name"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime,omitempty"`
	Status        SpanStatus        `json:"status"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Events        []SpanEvent       `json:"events,omitempty"`

	mu     sync.Mutex
	tracer *Tracer
	ended  bool
}

// End stamps the end time and hands the span to the tracer. Only the first
// call has an effect.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.EndTime = time.Now()
	s.mu.Unlock()

	if s.tracer != nil {
		s.tracer.enqueue(s)
	}
}

func (s *Span) SetAttribute(key, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// AddEvent records an event; attrs are key, value pairs and a trailing odd
// key is ignored.
func (s *Span) AddEvent(name string, attrs ...string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	ev := SpanEvent{Name: name, Timestamp: time.Now()}
	if len(attrs) > 1 {
		ev.Attrs = make(map[string]string, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			ev.Attrs[attrs[i]] = attrs[i+1]
		}
	}
	s.Events = append(s.Events, ev)
}

func (s *Span) SetStatus(status SpanStatus, message string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.Status = status
	s.StatusMessage = message
}

// RecordError marks the span failed with err's message.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.SetStatus(StatusError, err.Error())
}

// IsRecording reports whether the span still accepts changes.
func (s *Span) IsRecording() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// Sampler decides per trace whether spans are recorded.
type Sampler interface {
	ShouldSample(traceID string) bool
}

type AlwaysSample struct{}

func (AlwaysSample) ShouldSample(string) bool { return true }

// RatioSampler keeps a fixed share of traces, decided on the first 8 bytes
// of the trace id so every span of a trace gets the same answer.
type RatioSampler struct {
	ratio float64
}

// NewRatioSampler clamps ratio to [0, 1].
func NewRatioSampler(ratio float64) *RatioSampler {
	return &RatioSampler{ratio: min(max(ratio, 0), 1)}
}

func (s *RatioSampler) ShouldSample(traceID string) bool {
	if s.ratio >= 1 {
		return true
	}
	if s.ratio <= 0 {
		return false
	}
	if len(traceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(traceID[:16])
	if err != nil {
		return true
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v < uint64(s.ratio*float64(^uint64(0)))
}

// Tracer creates spans and batches finished ones to an exporter.
type Tracer struct {
	service   string
	exporter  Exporter
	sampler   Sampler
	batchSize int

	mu      sync.Mutex
	pending []*Span
	wg      sync.WaitGroup
	errs    []error
}

type TracerOption func(*Tracer)

func WithExporter(e Exporter) TracerOption {
	return func(t *Tracer) { t.exporter = e }
}

func WithSampler(s Sampler) TracerOption {
	return func(t *Tracer) { t.sampler = s }
}

// WithBatchSize sets how many finished spans are buffered before an export.
func WithBatchSize(n int) TracerOption {
	return func(t *Tracer) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// NewTracer creates a Tracer. Without an exporter spans are timed but
// dropped when they end.
func NewTracer(service string, opts ...TracerOption) *Tracer {
	t := &Tracer{
		service:   service,
		sampler:   AlwaysSample{},
		batchSize: 64,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins a span, as a child of the span in ctx if there is one.
// A nil Tracer returns ctx unchanged and a nil span.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	var traceID, parentID string
	if parent := SpanFromContext(ctx); parent != nil {
		traceID, parentID = parent.TraceID, parent.SpanID
	} else {
		traceID = newID(16)
	}

	span := &Span{
		TraceID:   traceID,
		SpanID:    newID(8),
		ParentID:  parentID,
		Name:      name,
		StartTime: time.Now(),
	}
	if t.sampler.ShouldSample(traceID) {
		span.tracer = t
		span.Attributes = map[string]string{"service.name": t.service}
	} else {
		span.ended = true
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

func (t *Tracer) enqueue(span *Span) {
	if t.exporter == nil {
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, span)
	if len(t.pending) < t.batchSize {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = nil
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.export(batch)
	}()
}

func (t *Tracer) export(batch []*Span) {
	if err := t.exporter.Export(context.Background(), batch); err != nil {
		t.mu.Lock()
		t.errs = append(t.errs, err)
		t.mu.Unlock()
	}
}

// Flush waits for background exports and exports whatever is buffered.
func (t *Tracer) Flush(ctx context.Context) error {
	if t == nil || t.exporter == nil {
		return nil
	}
	t.wg.Wait()

	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return t.exporter.Export(ctx, batch)
}

// Shutdown flushes and shuts the exporter down. Errors from earlier
// background exports are returned as well.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	err := t.Flush(ctx)
	t.mu.Lock()
	if len(t.errs) > 0 && err == nil {
		err = t.errs[0]
	}
	t.mu.Unlock()
	if t.exporter != nil {
		if serr := t.exporter.Shutdown(ctx); err == nil {
			err = serr
		}
	}
	return err
}

type spanKey struct{}

// SpanFromContext returns the span stored by Start, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
