package warc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/getmockd/warcrec/internal/id"
	"github.com/getmockd/warcrec/pkg/recording"
)

// DefaultFallbackTimeout bounds the single fallback body fetch.
const DefaultFallbackTimeout = 10 * time.Second

// BodySource fetches payloads the capture did not record up front.
type BodySource interface {
	ResponseBody(ctx context.Context, exchangeID string) ([]byte, error)
	PostData(ctx context.Context, exchangeID string) (string, error)
}

// SerializerOptions configures a Serializer.
type SerializerOptions struct {
	// WarcinfoID is stamped on every record. Sinks stamp their own when this
	// is empty.
	WarcinfoID string
	Digest     DigestAlgorithm
	// Fallback is asked once for a body that was neither passed in nor
	// attached to the exchange.
	Fallback        BodySource
	FallbackTimeout time.Duration
	// WriteMetadata adds a metadata record per exchange.
	WriteMetadata bool
	Clock         func() time.Time
	NewID         func() string
}

// SerializeError is returned when an exchange cannot be archived at all.
type SerializeError struct {
	Key string
	Err error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("serialize exchange %s: %v", e.Key, e.Err)
}

func (e *SerializeError) Unwrap() error {
	return e.Err
}

// Pair is a request record and the response record concurrent to it.
type Pair struct {
	Request  *Record
	Response *Record
}

// Result holds the records built for one exchange.
type Result struct {
	Key       string
	Redirects []Pair
	Request   *Record
	Responses []*Record
	Metadata  *Record

	// BodyErr is set when no payload could be obtained; the response records
	// then carry an empty payload.
	BodyErr error
	// PostDataErr is set when a POST body was announced but not obtained.
	PostDataErr error
}

// Records returns every record in write order: redirect hops, the final
// request, its responses, then metadata.
func (r *Result) Records() []*Record {
	out := make([]*Record, 0, 2*len(r.Redirects)+2+len(r.Responses))
	for _, p := range r.Redirects {
		out = append(out, p.Request, p.Response)
	}
	if r.Request != nil {
		out = append(out, r.Request)
	}
	out = append(out, r.Responses...)
	if r.Metadata != nil {
		out = append(out, r.Metadata)
	}
	return out
}

// Serializer turns consolidated exchanges into WARC records.
type Serializer struct {
	opts SerializerOptions
}

// NewSerializer creates a Serializer.
func NewSerializer(opts SerializerOptions) *Serializer {
	if opts.Digest == "" {
		opts.Digest = DigestSHA1
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = DefaultFallbackTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = id.URN
	}
	return &Serializer{opts: opts}
}

// Serialize builds the records for ex. body is the prefetched response
// payload, or nil. Only a missing or unparsable URL is fatal; a payload that
// cannot be obtained is reported in Result.BodyErr.
func (s *Serializer) Serialize(ctx context.Context, ex *recording.Exchange, body []byte) (*Result, error) {
	if ex == nil {
		return nil, &SerializeError{Err: recording.ErrEmptyExchange}
	}
	target := ex.TargetURL()
	if target == "" {
		return nil, &SerializeError{Key: ex.Key, Err: ErrMissingURL}
	}

	now := s.opts.Clock().UTC()
	res := &Result{Key: ex.Key}

	for _, hop := range ex.Redirects {
		if hop.URL == "" {
			continue
		}
		pair, err := s.redirectPair(ex, hop, now)
		if err != nil {
			return nil, &SerializeError{Key: ex.Key, Err: err}
		}
		res.Redirects = append(res.Redirects, pair)
	}

	finalURL := target
	final, hasFinal := ex.FinalResponse()
	switch {
	case len(ex.Redirects) == 0:
	case hasFinal && final.URL != "":
		finalURL = final.URL
	case ex.LegURL != "":
		finalURL = ex.LegURL
	}
	u, err := parseURL(finalURL)
	if err != nil {
		return nil, &SerializeError{Key: ex.Key, Err: err}
	}

	method := ex.Method
	if method == "" {
		method = http.MethodGet
	}
	headers := ex.Headers
	if len(headers) == 0 && hasFinal {
		headers = final.RequestHeaders
	}
	var reqBody []byte
	if method == http.MethodPost {
		reqBody, res.PostDataErr = s.postData(ctx, ex)
	}
	res.Request = s.record(TypeRequest, finalURL, now, ContentTypeRequest, RequestBlock(method, u, headers, reqBody))
	if len(reqBody) > 0 {
		res.Request.PayloadDigest = s.opts.Digest.Digest(reqBody)
	}

	if len(ex.Responses) > 0 {
		var payload []byte
		if needsPayload(method, ex.Responses) {
			payload, res.BodyErr = s.payload(ctx, ex, body)
		}
		for _, snap := range ex.Responses {
			p := payload
			if !statusAllowsBody(method, snap.Status) {
				p = nil
			}
			rec := s.record(TypeResponse, finalURL, now, ContentTypeResponse,
				ResponseBlock(snap.Status, snap.StatusText, snap.Headers, p))
			rec.ConcurrentTo = res.Request.ID
			rec.PayloadDigest = s.opts.Digest.Digest(p)
			res.Responses = append(res.Responses, rec)
		}
	}

	if s.opts.WriteMetadata {
		concurrent := res.Request.ID
		if len(res.Responses) > 0 {
			concurrent = res.Responses[len(res.Responses)-1].ID
		}
		res.Metadata = s.record(TypeMetadata, finalURL, now, ContentTypeFields, EncodeFields(metadataFields(ex, res)))
		res.Metadata.ConcurrentTo = concurrent
	}
	return res, nil
}

func (s *Serializer) redirectPair(ex *recording.Exchange, hop recording.Snapshot, now time.Time) (Pair, error) {
	u, err := parseURL(hop.URL)
	if err != nil {
		return Pair{}, err
	}
	method := hop.Method
	if method == "" {
		method = ex.Method
	}
	headers := hop.RequestHeaders
	if len(headers) == 0 {
		headers = ex.Headers
	}
	req := s.record(TypeRequest, hop.URL, now, ContentTypeRequest, RequestBlock(method, u, headers, nil))
	resp := s.record(TypeResponse, hop.URL, now, ContentTypeResponse,
		ResponseBlock(hop.Status, hop.StatusText, hop.Headers, nil))
	resp.ConcurrentTo = req.ID
	resp.PayloadDigest = s.opts.Digest.Digest(nil)
	return Pair{Request: req, Response: resp}, nil
}

func (s *Serializer) record(typ RecordType, target string, now time.Time, contentType string, block []byte) *Record {
	return &Record{
		Type:        typ,
		ID:          s.opts.NewID(),
		TargetURI:   target,
		Date:        now,
		WarcinfoID:  s.opts.WarcinfoID,
		ContentType: contentType,
		Block:       block,
	}
}

// payload picks the response body: the prefetched argument, then the body
// attached to the exchange, then one fallback fetch.
func (s *Serializer) payload(ctx context.Context, ex *recording.Exchange, body []byte) ([]byte, error) {
	if body != nil {
		return body, nil
	}
	var cause error
	if ex.Body != nil {
		if ex.Body.Err == nil {
			return ex.Body.Data, nil
		}
		cause = ex.Body.Err
	}
	if s.opts.Fallback != nil && ex.ExchangeID != "" {
		fctx, cancel := context.WithTimeout(ctx, s.opts.FallbackTimeout)
		defer cancel()
		data, err := s.opts.Fallback.ResponseBody(fctx, ex.ExchangeID)
		if err == nil {
			return data, nil
		}
		cause = errors.Join(cause, err)
	}
	if cause == nil {
		return nil, ErrBodyUnavailable
	}
	return nil, fmt.Errorf("%w: %w", ErrBodyUnavailable, cause)
}

func (s *Serializer) postData(ctx context.Context, ex *recording.Exchange) ([]byte, error) {
	if ex.PostData != nil {
		return []byte(*ex.PostData), nil
	}
	if s.opts.Fallback == nil || ex.ExchangeID == "" {
		return nil, nil
	}
	fctx, cancel := context.WithTimeout(ctx, s.opts.FallbackTimeout)
	defer cancel()
	data, err := s.opts.Fallback.PostData(fctx, ex.ExchangeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPostDataMissing, err)
	}
	return []byte(data), nil
}

func metadataFields(ex *recording.Exchange, res *Result) []Field {
	var fields []Field
	if ex.ExchangeID != "" {
		fields = append(fields, Field{Name: "exchange-id", Value: ex.ExchangeID})
	}
	if ex.Protocol != "" {
		fields = append(fields, Field{Name: "captured-protocol", Value: ex.Protocol})
	}
	for _, hop := range ex.Redirects {
		fields = append(fields, Field{Name: "redirect", Value: strconv.Itoa(hop.Status) + " " + hop.URL})
	}
	if res.BodyErr != nil {
		fields = append(fields, Field{Name: "body-error", Value: res.BodyErr.Error()})
	}
	if res.PostDataErr != nil {
		fields = append(fields, Field{Name: "post-data-error", Value: res.PostDataErr.Error()})
	}
	return fields
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// statusAllowsBody reports whether a response with this status to this
// request method can carry a payload.
func statusAllowsBody(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	default:
		return true
	}
}

func needsPayload(method string, responses []recording.Snapshot) bool {
	for _, r := range responses {
		if statusAllowsBody(method, r.Status) {
			return true
		}
	}
	return false
}
