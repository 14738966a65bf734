package warc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/warcrec/pkg/recording"
)

type fakeBodies struct {
	mu        sync.Mutex
	bodies    map[string][]byte
	postData  map[string]string
	bodyCalls int
	postCalls int
	err       error
}

func (f *fakeBodies) ResponseBody(_ context.Context, exchangeID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodyCalls++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bodies[exchangeID]
	if !ok {
		return nil, errors.New("no resource with given identifier found")
	}
	return b, nil
}

func (f *fakeBodies) PostData(_ context.Context, exchangeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	d, ok := f.postData[exchangeID]
	if !ok {
		return "", errors.New("no post data")
	}
	return d, nil
}

func newTestSerializer(opts SerializerOptions) *Serializer {
	n := 0
	opts.Clock = func() time.Time { return testDate }
	opts.NewID = func() string {
		n++
		return fmt.Sprintf("<urn:uuid:%d>", n)
	}
	return NewSerializer(opts)
}

func completeExchange() *recording.Exchange {
	return &recording.Exchange{
		Key:        "1",
		ExchangeID: "1",
		URL:        "https://example.com/page?x=1",
		Method:     "GET",
		Headers:    recording.Headers{"Accept": "text/html"},
		Protocol:   "HTTP/1.1",
		Responses: []recording.Snapshot{{
			URL:        "https://example.com/page?x=1",
			Status:     200,
			StatusText: "OK",
			Headers:    recording.Headers{"Content-Type": "text/html; charset=utf-8", "Content-Encoding": "br", "Content-Length": "3"},
			Protocol:   "HTTP/1.1",
		}},
	}
}

func TestSerializer_CompleteExchange(t *testing.T) {
	t.Parallel()

	s := newTestSerializer(SerializerOptions{WarcinfoID: "<urn:uuid:info>"})
	res, err := s.Serialize(context.Background(), completeExchange(), []byte("<p>héllo</p>"))
	require.NoError(t, err)
	require.NoError(t, res.BodyErr)

	require.NotNil(t, res.Request)
	assert.Equal(t, TypeRequest, res.Request.Type)
	assert.Equal(t, "<urn:uuid:1>", res.Request.ID)
	assert.Equal(t, "https://example.com/page?x=1", res.Request.TargetURI)
	assert.Equal(t, "<urn:uuid:info>", res.Request.WarcinfoID)
	assert.Equal(t, ContentTypeRequest, res.Request.ContentType)
	assert.Equal(t, "GET /page?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: text/html\r\n\r\n", string(res.Request.Block))
	assert.Empty(t, res.Request.PayloadDigest)

	require.Len(t, res.Responses, 1)
	resp := res.Responses[0]
	assert.Equal(t, res.Request.ID, resp.ConcurrentTo)
	assert.Equal(t, ContentTypeResponse, resp.ContentType)
	assert.Equal(t,
		"HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: 13\r\n\r\n<p>héllo</p>",
		string(resp.Block))
	assert.Equal(t, len(resp.Block), resp.ContentLength())
	assert.Equal(t, DigestSHA1.Digest([]byte("<p>héllo</p>")), resp.PayloadDigest)

	assert.Nil(t, res.Metadata)
	assert.Equal(t, []*Record{res.Request, resp}, res.Records())
}

func TestSerializer_ContentLengthMatchesPayload(t *testing.T) {
	t.Parallel()

	payloads := []string{"", "plain ascii", "héllo wörld ✓", strings.Repeat("日本語", 100)}
	for _, p := range payloads {
		res, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), completeExchange(), []byte(p))
		require.NoError(t, err)
		resp := res.Responses[0]
		assert.Contains(t, resp.HTTPHeader(), fmt.Sprintf("Content-Length: %d\r\n", len([]byte(p))))
		assert.Equal(t, p, string(resp.HTTPPayload()))
	}
}

func TestSerializer_MissingURL(t *testing.T) {
	t.Parallel()

	ex := &recording.Exchange{Key: "k-s1", ExchangeID: "k", Responses: []recording.Snapshot{{Status: 200}}}
	_, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingURL)

	var serr *SerializeError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "k-s1", serr.Key)

	_, err = newTestSerializer(SerializerOptions{}).Serialize(context.Background(), nil, nil)
	assert.ErrorIs(t, err, recording.ErrEmptyExchange)
}

func TestSerializer_InvalidURL(t *testing.T) {
	t.Parallel()

	ex := completeExchange()
	ex.URL = "not a url"
	_, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestSerializer_PayloadPreference(t *testing.T) {
	t.Parallel()

	t.Run("argument wins", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{bodies: map[string][]byte{"1": []byte("fallback")}}
		ex := completeExchange()
		ex.Body = &recording.Body{Data: []byte("attached")}
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, []byte("arg"))
		require.NoError(t, err)
		assert.Equal(t, "arg", string(res.Responses[0].HTTPPayload()))
		assert.Zero(t, src.bodyCalls)
	})

	t.Run("attached body", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{}
		ex := completeExchange()
		ex.Body = &recording.Body{Data: []byte("attached")}
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, nil)
		require.NoError(t, err)
		assert.Equal(t, "attached", string(res.Responses[0].HTTPPayload()))
		assert.Zero(t, src.bodyCalls)
	})

	t.Run("fallback once after failed prefetch", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{bodies: map[string][]byte{"1": []byte("fallback")}}
		ex := completeExchange()
		ex.Body = &recording.Body{Err: errors.New("timeout")}
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, nil)
		require.NoError(t, err)
		assert.NoError(t, res.BodyErr)
		assert.Equal(t, "fallback", string(res.Responses[0].HTTPPayload()))
		assert.Equal(t, 1, src.bodyCalls)
	})

	t.Run("missing payload writes empty body", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{err: errors.New("gone")}
		ex := completeExchange()
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, nil)
		require.NoError(t, err)
		require.Error(t, res.BodyErr)
		assert.ErrorIs(t, res.BodyErr, ErrBodyUnavailable)
		assert.Contains(t, res.BodyErr.Error(), "gone")
		assert.Equal(t, 1, src.bodyCalls)

		resp := res.Responses[0]
		assert.Contains(t, resp.HTTPHeader(), "Content-Length: 0\r\n")
		assert.NotContains(t, resp.HTTPHeader(), "Content-Length: 3")
		assert.Empty(t, resp.HTTPPayload())
	})

	t.Run("no fallback configured", func(t *testing.T) {
		t.Parallel()
		res, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), completeExchange(), nil)
		require.NoError(t, err)
		assert.ErrorIs(t, res.BodyErr, ErrBodyUnavailable)
		assert.Contains(t, res.Responses[0].HTTPHeader(), "Content-Length: 0\r\n")
	})
}

func TestSerializer_BodylessStatuses(t *testing.T) {
	t.Parallel()

	src := &fakeBodies{}
	ex := completeExchange()
	ex.Responses[0].Status = 304
	ex.Responses[0].StatusText = ""
	res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, nil)
	require.NoError(t, err)
	assert.NoError(t, res.BodyErr)
	assert.Zero(t, src.bodyCalls)
	assert.Contains(t, res.Responses[0].HTTPHeader(), "HTTP/1.1 304 Not Modified\r\n")

	ex = completeExchange()
	ex.Method = "HEAD"
	res, err = newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, []byte("ignored"))
	require.NoError(t, err)
	assert.Empty(t, res.Responses[0].HTTPPayload())
}

func TestSerializer_PostData(t *testing.T) {
	t.Parallel()

	t.Run("captured post data", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{postData: map[string]string{"1": "other"}}
		pd := "a=1&b=2"
		ex := completeExchange()
		ex.Method = "POST"
		ex.PostData = &pd
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, nil)
		require.NoError(t, err)
		assert.Equal(t, "a=1&b=2", string(res.Request.HTTPPayload()))
		assert.Equal(t, DigestSHA1.Digest([]byte(pd)), res.Request.PayloadDigest)
		assert.Zero(t, src.postCalls)
	})

	t.Run("fetched post data", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{postData: map[string]string{"1": "fetched"}}
		ex := completeExchange()
		ex.Method = "POST"
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, []byte("ok"))
		require.NoError(t, err)
		assert.Equal(t, "fetched", string(res.Request.HTTPPayload()))
		assert.Equal(t, 1, src.postCalls)
	})

	t.Run("fetch failure is reported", func(t *testing.T) {
		t.Parallel()
		src := &fakeBodies{}
		ex := completeExchange()
		ex.Method = "POST"
		res, err := newTestSerializer(SerializerOptions{Fallback: src}).Serialize(context.Background(), ex, []byte("ok"))
		require.NoError(t, err)
		assert.ErrorIs(t, res.PostDataErr, ErrPostDataMissing)
		assert.Empty(t, res.Request.HTTPPayload())
	})

	t.Run("non-post ignores body", func(t *testing.T) {
		t.Parallel()
		pd := "x"
		ex := completeExchange()
		ex.Method = "PUT"
		ex.PostData = &pd
		res, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, nil)
		require.NoError(t, err)
		assert.Empty(t, res.Request.HTTPPayload())
	})
}

func TestSerializer_RedirectChain(t *testing.T) {
	t.Parallel()

	ex := &recording.Exchange{
		Key:        "7",
		ExchangeID: "7",
		URL:        "http://a.test/",
		Method:     "GET",
		Headers:    recording.Headers{"Accept": "*/*"},
		Redirects: []recording.Snapshot{
			{URL: "http://a.test/", Status: 301, Headers: recording.Headers{"Location": "https://a.test/"}},
			{URL: "https://a.test/", Status: 302, StatusText: "Found", Headers: recording.Headers{"Location": "https://b.test/"},
				RequestHeaders: recording.Headers{"Accept": "text/html"}},
		},
		Responses: []recording.Snapshot{{URL: "https://b.test/", Status: 200, StatusText: "OK"}},
	}

	res, err := newTestSerializer(SerializerOptions{WriteMetadata: true}).Serialize(context.Background(), ex, []byte("final"))
	require.NoError(t, err)
	require.Len(t, res.Redirects, 2)

	first := res.Redirects[0]
	assert.Equal(t, "http://a.test/", first.Request.TargetURI)
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: a.test\r\nAccept: */*\r\n\r\n", string(first.Request.Block))
	assert.Equal(t, "HTTP/1.1 301 Moved Permanently\r\nLocation: https://a.test/\r\nContent-Length: 0\r\n\r\n", string(first.Response.Block))
	assert.Equal(t, first.Request.ID, first.Response.ConcurrentTo)

	second := res.Redirects[1]
	assert.Equal(t, "https://a.test/", second.Request.TargetURI)
	assert.Contains(t, string(second.Request.Block), "Accept: text/html\r\n")
	assert.True(t, strings.HasPrefix(string(second.Response.Block), "HTTP/1.1 302 Found\r\n"))

	assert.Equal(t, "https://b.test/", res.Request.TargetURI)
	assert.Contains(t, string(res.Request.Block), "Host: b.test\r\n")
	assert.Equal(t, "https://b.test/", res.Responses[0].TargetURI)

	targets := make([]string, 0)
	for _, r := range res.Records() {
		targets = append(targets, string(r.Type)+" "+r.TargetURI)
	}
	assert.Equal(t, []string{
		"request http://a.test/",
		"response http://a.test/",
		"request https://a.test/",
		"response https://a.test/",
		"request https://b.test/",
		"response https://b.test/",
		"metadata https://b.test/",
	}, targets)

	require.NotNil(t, res.Metadata)
	assert.Equal(t, res.Responses[0].ID, res.Metadata.ConcurrentTo)
	assert.Equal(t,
		"exchange-id: 7\r\n"+
			"redirect: 301 http://a.test/\r\n"+
			"redirect: 302 https://a.test/\r\n",
		string(res.Metadata.Block))
}

func TestSerializer_UnansweredRedirectLegUsesLegURL(t *testing.T) {
	t.Parallel()

	table := recording.NewTable(recording.TableOptions{})
	_, err := table.Ingest(recording.RequestSent("1", recording.RequestInfo{URL: "https://a.test/start", Method: "GET"}))
	require.NoError(t, err)
	_, err = table.Ingest(recording.RedirectReceived("1", recording.ResponseInfo{
		URL:     "https://a.test/start",
		Status:  302,
		Headers: recording.Headers{"Location": "https://b.test/next"},
	}))
	require.NoError(t, err)
	_, err = table.Ingest(recording.RequestSent("1", recording.RequestInfo{
		URL:            "https://b.test/next",
		Method:         "GET",
		RedirectedFrom: "https://a.test/start",
	}))
	require.NoError(t, err)

	ex, ok := table.Take("1")
	require.True(t, ok)
	res, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, nil)
	require.NoError(t, err)

	targets := make([]string, 0)
	for _, r := range res.Records() {
		targets = append(targets, string(r.Type)+" "+r.TargetURI)
	}
	assert.Equal(t, []string{
		"request https://a.test/start",
		"response https://a.test/start",
		"request https://b.test/next",
	}, targets)
	assert.True(t, strings.HasPrefix(string(res.Request.Block), "GET /next HTTP/1.1\r\nHost: b.test\r\n"))
}

func TestSerializer_MultipleResponses(t *testing.T) {
	t.Parallel()

	ex := completeExchange()
	ex.Responses = append(ex.Responses, ex.Responses[0])
	res, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, []byte("abc"))
	require.NoError(t, err)
	require.Len(t, res.Responses, 2)
	for _, r := range res.Responses {
		assert.Equal(t, res.Request.ID, r.ConcurrentTo)
		assert.Equal(t, "abc", string(r.HTTPPayload()))
	}
	assert.NotEqual(t, res.Responses[0].ID, res.Responses[1].ID)
}

func TestSerializer_HeadlessExchange(t *testing.T) {
	t.Parallel()

	ex := &recording.Exchange{
		Key:        "h",
		ExchangeID: "h",
		Responses: []recording.Snapshot{{
			URL:            "https://late.test/x",
			Status:         200,
			RequestHeaders: recording.Headers{"Accept": "image/*"},
		}},
	}
	res, err := newTestSerializer(SerializerOptions{}).Serialize(context.Background(), ex, []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "https://late.test/x", res.Request.TargetURI)
	assert.Equal(t, "GET /x HTTP/1.1\r\nHost: late.test\r\nAccept: image/*\r\n\r\n", string(res.Request.Block))
}

func TestSerializer_MetadataBodyError(t *testing.T) {
	t.Parallel()

	res, err := newTestSerializer(SerializerOptions{WriteMetadata: true, Digest: DigestNone}).
		Serialize(context.Background(), completeExchange(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Metadata)
	assert.Contains(t, string(res.Metadata.Block), "captured-protocol: HTTP/1.1\r\n")
	assert.Contains(t, string(res.Metadata.Block), "body-error: response body unavailable\r\n")
	assert.Empty(t, res.Responses[0].PayloadDigest)
}
