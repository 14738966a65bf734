package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Exporter ships finished spans.
type Exporter interface {
	Export(ctx context.Context, spans []*Span) error
	Shutdown(ctx context.Context) error
}

// ErrExporterClosed is returned by Export after Shutdown.
var ErrExporterClosed = errors.New("tracing: exporter shut down")

// JSONExporter writes one JSON object per span and line.
type JSONExporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONExporter(w io.Writer) *JSONExporter {
	return &JSONExporter{w: w}
}

type jsonSpan struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentID      string            `json:"parentId,omitempty"`
	Name          string            `json:"name"`
	StartTime     string            `json:"startTime"`
	EndTime       string            `json:"endTime"`
	Duration      string            `json:"duration"`
	Status        string            `json:"status"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Events        []SpanEvent       `json:"events,omitempty"`
}

func (e *JSONExporter) Export(_ context.Context, spans []*Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.w)
	for _, s := range spans {
		err := enc.Encode(jsonSpan{
			TraceID:       s.TraceID,
			SpanID:        s.SpanID,
			ParentID:      s.ParentID,
			Name:          s.Name,
			StartTime:     s.StartTime.UTC().Format(time.RFC3339Nano),
			EndTime:       s.EndTime.UTC().Format(time.RFC3339Nano),
			Duration:      s.EndTime.Sub(s.StartTime).String(),
			Status:        s.Status.String(),
			StatusMessage: s.StatusMessage,
			Attributes:    s.Attributes,
			Events:        s.Events,
		})
		if err != nil {
			return fmt.Errorf("write span: %w", err)
		}
	}
	return nil
}

func (e *JSONExporter) Shutdown(context.Context) error { return nil }

// MultiExporter sends every batch to each exporter in turn.
type MultiExporter []Exporter

func (m MultiExporter) Export(ctx context.Context, spans []*Span) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Export(ctx, spans))
	}
	return errors.Join(errs...)
}

func (m MultiExporter) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// DefaultOTLPTimeout bounds one OTLP request.
const DefaultOTLPTimeout = 10 * time.Second

// OTLPExporter posts spans to an OTLP/HTTP traces endpoint using the JSON
// encoding, e.g. http://localhost:4318/v1/traces.
type OTLPExporter struct {
	endpoint string
	http     *resty.Client

	mu     sync.Mutex
	closed bool
}

type OTLPOption func(*OTLPExporter)

func WithOTLPHeaders(headers map[string]string) OTLPOption {
	return func(e *OTLPExporter) { e.http.SetHeaders(headers) }
}

// WithOTLPRetries sets how often a failed export is retried.
func WithOTLPRetries(n int) OTLPOption {
	return func(e *OTLPExporter) { e.http.SetRetryCount(n) }
}

func WithOTLPTimeout(d time.Duration) OTLPOption {
	return func(e *OTLPExporter) { e.http.SetTimeout(d) }
}

func NewOTLPExporter(endpoint string, opts ...OTLPOption) *OTLPExporter {
	client := resty.New().
		SetTimeout(DefaultOTLPTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	e := &OTLPExporter{endpoint: endpoint, http: client}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OTLPExporter) Export(ctx context.Context, spans []*Span) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrExporterClosed
	}
	if len(spans) == 0 {
		return nil
	}

	res, err := e.http.R().
		SetContext(ctx).
		SetBody(toOTLP(spans)).
		Post(e.endpoint)
	if err != nil {
		return fmt.Errorf("otlp export: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("otlp export: %s: %s", res.Status(), res.String())
	}
	return nil
}

func (e *OTLPExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type otlpRequest struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpScope struct {
	Name string `json:"name"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Events            []otlpEvent    `json:"events,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpKeyValue struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue"`
}

type otlpEvent struct {
	TimeUnixNano string         `json:"timeUnixNano"`
	Name         string         `json:"name"`
	Attributes   []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

const serviceAttr = "service.name"

// toOTLP groups spans into one resource per service name.
func toOTLP(spans []*Span) otlpRequest {
	byService := make(map[string][]otlpSpan)
	for _, s := range spans {
		svc := s.Attributes[serviceAttr]
		if svc == "" {
			svc = "unknown"
		}
		byService[svc] = append(byService[svc], convertSpan(s))
	}

	var req otlpRequest
	for _, svc := range slices.Sorted(maps.Keys(byService)) {
		req.ResourceSpans = append(req.ResourceSpans, otlpResourceSpans{
			Resource: otlpResource{Attributes: []otlpKeyValue{
				{Key: serviceAttr, Value: otlpValue{StringValue: svc}},
			}},
			ScopeSpans: []otlpScopeSpans{{
				Scope: otlpScope{Name: "warcrec/tracing"},
				Spans: byService[svc],
			}},
		})
	}
	return req
}

func convertSpan(s *Span) otlpSpan {
	out := otlpSpan{
		TraceID:           s.TraceID,
		SpanID:            s.SpanID,
		ParentSpanID:      s.ParentID,
		Name:              s.Name,
		Kind:              1, // INTERNAL
		StartTimeUnixNano: strconv.FormatInt(s.StartTime.UnixNano(), 10),
		EndTimeUnixNano:   strconv.FormatInt(s.EndTime.UnixNano(), 10),
		Attributes:        keyValues(s.Attributes, serviceAttr),
		Status:            otlpStatus{Code: int(s.Status), Message: s.StatusMessage},
	}
	for _, ev := range s.Events {
		out.Events = append(out.Events, otlpEvent{
			TimeUnixNano: strconv.FormatInt(ev.Timestamp.UnixNano(), 10),
			Name:         ev.Name,
			Attributes:   keyValues(ev.Attrs, ""),
		})
	}
	return out
}

func keyValues(attrs map[string]string, skip string) []otlpKeyValue {
	var kvs []otlpKeyValue
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		if k == skip {
			continue
		}
		kvs = append(kvs, otlpKeyValue{Key: k, Value: otlpValue{StringValue: attrs[k]}})
	}
	return kvs
}
