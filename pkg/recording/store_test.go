package recording

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	n := 0
	return NewTable(TableOptions{
		DowngradeHTTP2: true,
		Now:            func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		NewSuffix: func() string {
			n++
			return fmt.Sprintf("s%d", n)
		},
	})
}

func getRequest(url string) RequestInfo {
	return RequestInfo{URL: url, Method: "GET", Headers: Headers{"Accept": "*/*"}}
}

func okResponse(url string) ResponseInfo {
	return ResponseInfo{
		URL:        url,
		Status:     200,
		StatusText: "OK",
		Headers:    Headers{"Content-Type": "text/html"},
		Protocol:   "h2",
		MimeType:   "text/html",
	}
}

func redirectResponse(url string, status int, location string) ResponseInfo {
	return ResponseInfo{
		URL:      url,
		Status:   status,
		Headers:  Headers{"Location": location},
		Protocol: "http/1.1",
	}
}

func TestTable_RequestThenResponse(t *testing.T) {
	table := newTestTable(t)

	key := table.IngestRequest(RequestSent("1", getRequest("https://example.com/")))
	assert.Equal(t, "1", key)
	key = table.IngestResponse(ResponseReceived("1", okResponse("https://example.com/")))
	assert.Equal(t, "1", key)

	ex, ok := table.Get("1")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", ex.URL)
	assert.Equal(t, "GET", ex.Method)
	require.Len(t, ex.Responses, 1)
	assert.Equal(t, 200, ex.Responses[0].Status)
	assert.Equal(t, "HTTP/1.1", ex.Responses[0].Protocol, "h2 is downgraded at merge time")
	assert.True(t, ex.IsComplete())
	assert.Equal(t, 1, table.Len())
}

func TestTable_RedirectChainKeepsOrder(t *testing.T) {
	table := newTestTable(t)

	table.IngestRequest(RequestSent("7", getRequest("http://a.test/")))
	table.IngestRedirect(RedirectReceived("7", redirectResponse("http://a.test/", 301, "http://b.test/")))
	table.IngestRedirect(RedirectReceived("7", redirectResponse("http://b.test/", 302, "https://c.test/")))
	table.IngestResponse(ResponseReceived("7", okResponse("https://c.test/")))

	require.Equal(t, 1, table.Len())
	ex, ok := table.Get("7")
	require.True(t, ok)

	require.Len(t, ex.Redirects, 2)
	assert.Equal(t, "http://a.test/", ex.Redirects[0].URL)
	assert.Equal(t, 301, ex.Redirects[0].Status)
	assert.Equal(t, "http://b.test/", ex.Redirects[1].URL)
	assert.Equal(t, 302, ex.Redirects[1].Status)
	require.Len(t, ex.Responses, 1)
	assert.Equal(t, "https://c.test/", ex.Responses[0].URL)
}

func TestTable_RedirectInheritsRequestFields(t *testing.T) {
	table := newTestTable(t)

	table.IngestRequest(RequestSent("r", RequestInfo{URL: "http://a.test/", Method: "POST", Headers: Headers{"X-Req": "1"}}))
	table.IngestRedirect(RedirectReceived("r", redirectResponse("http://a.test/", 303, "/done")))

	ex, _ := table.Get("r")
	require.Len(t, ex.Redirects, 1)
	assert.Equal(t, "POST", ex.Redirects[0].Method)
	assert.Equal(t, "1", ex.Redirects[0].RequestHeaders["X-Req"])
}

func TestTable_RedirectForUnseenIDCreatesExchange(t *testing.T) {
	table := newTestTable(t)

	key := table.IngestRedirect(RedirectReceived("new", redirectResponse("http://a.test/", 301, "http://b.test/")))
	assert.Equal(t, "new", key)
	ex, ok := table.Get("new")
	require.True(t, ok)
	assert.Len(t, ex.Redirects, 1)
	assert.False(t, ex.HasRequest())
}

func TestTable_IDReuseMintsDistinctExchange(t *testing.T) {
	var collisions []string
	table := newTestTable(t)
	table.opts.OnCollision = func(exchangeID, key string) { collisions = append(collisions, key) }

	table.IngestRequest(RequestSent("9", getRequest("https://first.test/")))
	table.IngestResponse(ResponseReceived("9", okResponse("https://first.test/")))

	second := RequestInfo{URL: "https://second.test/", Method: "POST", Headers: Headers{"X": "2"}}
	k1 := table.IngestRequest(RequestSent("9", second))
	k2 := table.IngestResponse(ResponseReceived("9", okResponse("https://second.test/")))

	assert.Equal(t, "9-s1", k1)
	assert.Equal(t, "9-s1", k2, "the second response follows its request onto the minted exchange")
	assert.Equal(t, []string{"9-s1"}, collisions)

	first, ok := table.Get("9")
	require.True(t, ok)
	assert.Equal(t, "https://first.test/", first.URL)
	assert.Equal(t, "GET", first.Method)
	require.Len(t, first.Responses, 1)
	assert.Equal(t, "https://first.test/", first.Responses[0].URL)

	minted, ok := table.Get("9-s1")
	require.True(t, ok)
	assert.Equal(t, "9", minted.ExchangeID)
	assert.Equal(t, "https://second.test/", minted.URL)
	assert.Equal(t, "POST", minted.Method)
	require.Len(t, minted.Responses, 1)
	assert.Equal(t, "https://second.test/", minted.Responses[0].URL)
	assert.Equal(t, []string{"9", "9-s1"}, table.Keys())
}

func TestTable_HeadlessCompletion(t *testing.T) {
	table := newTestTable(t)

	table.IngestResponse(ResponseReceived("h", okResponse("https://late.test/")))
	ex, _ := table.Get("h")
	assert.True(t, ex.IsHeadless())

	pd := "a=1"
	key := table.IngestRequest(RequestSent("h", RequestInfo{
		URL: "https://late.test/", Method: "POST", Headers: Headers{"Content-Type": "application/x-www-form-urlencoded"}, PostData: &pd,
	}))
	assert.Equal(t, "h", key)
	assert.Equal(t, 1, table.Len(), "headless completion must not create a second exchange")

	ex, _ = table.Get("h")
	assert.False(t, ex.IsHeadless())
	assert.True(t, ex.IsComplete())
	assert.Equal(t, "POST", ex.Method)
	require.NotNil(t, ex.PostData)
	assert.Equal(t, "a=1", *ex.PostData)
	require.Len(t, ex.Responses, 1)
}

func TestTable_DuplicateResponsesOnHeadlessAppend(t *testing.T) {
	table := newTestTable(t)

	r1 := okResponse("https://dup.test/")
	r2 := okResponse("https://dup.test/")
	r2.Status = 304
	table.IngestResponse(ResponseReceived("d", r1))
	table.IngestResponse(ResponseReceived("d", r2))

	ex, _ := table.Get("d")
	require.Len(t, ex.Responses, 2)
	assert.Equal(t, 200, ex.Responses[0].Status)
	assert.Equal(t, 304, ex.Responses[1].Status)

	table.IngestRequest(RequestSent("d", getRequest("https://dup.test/")))
	ex, _ = table.Get("d")
	assert.True(t, ex.IsComplete())
	assert.Len(t, ex.Responses, 2)
	assert.Equal(t, 1, table.Len())
}

func TestTable_HeadlessDerivesRequestFromResponse(t *testing.T) {
	t.Run("structured request headers", func(t *testing.T) {
		table := newTestTable(t)
		res := okResponse("https://h2.test/")
		res.RequestHeaders = Headers{":method": "GET", ":path": "/", "accept": "*/*"}
		table.IngestResponse(ResponseReceived("x", res))

		ex, _ := table.Get("x")
		assert.True(t, ex.IsHeadless(), "derived headers do not complete the exchange")
		assert.Equal(t, "GET", ex.Method)
		assert.Equal(t, "*/*", ex.Headers["accept"])
	})

	t.Run("request header text", func(t *testing.T) {
		table := newTestTable(t)
		res := okResponse("http://old.test/a")
		res.Protocol = ""
		res.RequestHeadersText = "HEAD /a HTTP/1.0\r\nHost: old.test\r\nUser-Agent: test\r\n\r\n"
		table.IngestResponse(ResponseReceived("y", res))

		ex, _ := table.Get("y")
		assert.Equal(t, "HEAD", ex.Method)
		assert.Equal(t, "HTTP/1.0", ex.Protocol)
		assert.Equal(t, "old.test", ex.Headers["Host"])
		assert.Equal(t, "test", ex.Headers["User-Agent"])
	})

	t.Run("malformed header text is tolerated", func(t *testing.T) {
		table := newTestTable(t)
		res := okResponse("http://bad.test/")
		res.RequestHeadersText = "garbage"
		table.IngestResponse(ResponseReceived("z", res))

		ex, _ := table.Get("z")
		assert.Equal(t, "garbage", ex.Method)
		assert.Nil(t, ex.Headers)
	})
}

func TestTable_SecondRequestWithoutResponseIsDistinct(t *testing.T) {
	table := newTestTable(t)

	table.IngestRequest(RequestSent("q", getRequest("https://one.test/")))
	key := table.IngestRequest(RequestSent("q", getRequest("https://two.test/")))

	assert.Equal(t, "q-s1", key)
	ex, _ := table.Get("q")
	assert.Equal(t, "https://one.test/", ex.URL)
}

func TestTable_RedirectLegContinuesExchange(t *testing.T) {
	table := newTestTable(t)

	pd := "q=1"
	table.IngestRequest(RequestSent("r", RequestInfo{URL: "http://a.test/form", Method: "POST", Headers: Headers{"Leg": "1"}, PostData: &pd}))
	table.IngestRedirect(RedirectReceived("r", redirectResponse("http://a.test/form", 303, "http://a.test/done")))
	key := table.IngestRequest(RequestSent("r", RequestInfo{
		URL:            "http://a.test/done",
		Method:         "GET",
		Headers:        Headers{"Leg": "2"},
		RedirectedFrom: "http://a.test/form",
	}))
	assert.Equal(t, "r", key)
	table.IngestResponse(ResponseReceived("r", okResponse("http://a.test/done")))

	ex, ok := table.Get("r")
	require.True(t, ok)
	assert.Equal(t, "http://a.test/form", ex.URL)
	assert.Equal(t, "http://a.test/done", ex.LegURL)
	assert.Equal(t, "GET", ex.Method)
	assert.Nil(t, ex.PostData)
	assert.Equal(t, Headers{"Leg": "2"}, ex.Headers)
	require.Len(t, ex.Redirects, 1)
	assert.Equal(t, "POST", ex.Redirects[0].Method)
	assert.Equal(t, Headers{"Leg": "1"}, ex.Redirects[0].RequestHeaders)
	assert.Equal(t, []string{"r"}, table.Keys())
}

func TestTable_PersistedExchangeIsImmutable(t *testing.T) {
	table := newTestTable(t)

	table.IngestRequest(RequestSent("p", getRequest("https://p.test/")))
	_, ok := table.Take("p")
	require.True(t, ok)
	_, ok = table.Take("p")
	assert.False(t, ok, "an exchange is taken once")

	assert.False(t, table.AttachBody("p", []byte("late"), nil))
	assert.False(t, table.BeginBodyFetch("p"))

	key := table.IngestResponse(ResponseReceived("p", okResponse("https://p.test/")))
	assert.Equal(t, "p-s1", key)
	key = table.IngestRedirect(RedirectReceived("p", redirectResponse("https://p.test/", 301, "/")))
	assert.Equal(t, "p-s1", key)

	ex, _ := table.Get("p")
	assert.Empty(t, ex.Responses)
	assert.Empty(t, ex.Redirects)
	assert.Equal(t, []string{"p-s1"}, table.Pending())
}

func TestTable_BodyFetchClaimedOnce(t *testing.T) {
	table := newTestTable(t)
	table.IngestResponse(ResponseReceived("b", okResponse("https://b.test/")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.BeginBodyFetch("b") {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)

	require.True(t, table.AttachBody("b", nil, assert.AnError))
	ex, _ := table.Get("b")
	require.NotNil(t, ex.Body)
	assert.ErrorIs(t, ex.Body.Err, assert.AnError)
	assert.Nil(t, ex.Body.Data)
}

func TestTable_GetReturnsCopy(t *testing.T) {
	table := newTestTable(t)
	table.IngestRequest(RequestSent("c", getRequest("https://c.test/")))

	ex, _ := table.Get("c")
	ex.Headers["Accept"] = "mutated"
	ex.URL = "mutated"

	again, _ := table.Get("c")
	assert.Equal(t, "*/*", again.Headers["Accept"])
	assert.Equal(t, "https://c.test/", again.URL)
}

func TestTable_Ingest(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Ingest(Notification{Kind: KindRequestSent})
	assert.ErrorIs(t, err, ErrEmptyExchange)

	_, err = table.Ingest(Notification{Kind: "bogus", ExchangeID: "1"})
	assert.ErrorIs(t, err, ErrInvalidKind)

	key, err := table.Ingest(RequestSent("1", getRequest("https://i.test/")))
	require.NoError(t, err)
	assert.Equal(t, "1", key)

	assert.Equal(t, "", table.IngestResponse(Notification{Kind: KindResponseReceived, ExchangeID: "1"}))
}

func TestTable_ConcurrentInterleaving(t *testing.T) {
	table := NewTable(TableOptions{})
	const ids = 50

	var wg sync.WaitGroup
	for i := 0; i < ids; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exID := fmt.Sprintf("%d", i)
			url := fmt.Sprintf("https://c.test/%d", i)
			table.IngestRequest(RequestSent(exID, getRequest(url)))
			table.IngestRedirect(RedirectReceived(exID, redirectResponse(url, 302, url+"/next")))
			table.IngestResponse(ResponseReceived(exID, okResponse(url+"/next")))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, ids, table.Len())
	s := table.Summary()
	assert.Equal(t, ids, s.Complete)
	assert.Equal(t, ids, s.Redirects)
	assert.Zero(t, s.Headless)
}

func TestTable_ResolveAndBodyPending(t *testing.T) {
	table := newTestTable(t)

	_, ok := table.Resolve("z")
	assert.False(t, ok)

	table.IngestRequest(RequestSent("z", getRequest("https://z.test/")))
	table.IngestResponse(ResponseReceived("z", okResponse("https://z.test/")))
	key, ok := table.Resolve("z")
	require.True(t, ok)
	assert.Equal(t, "z", key)

	ex, _ := table.Get(key)
	assert.False(t, ex.BodyPending())
	require.True(t, table.BeginBodyFetch(key))
	ex, _ = table.Get(key)
	assert.True(t, ex.BodyPending())
	require.True(t, table.AttachBody(key, []byte("b"), nil))
	ex, _ = table.Get(key)
	assert.False(t, ex.BodyPending())

	taken, ok := table.Take(key)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), taken.Body.Data)
	stored, _ := table.Get(key)
	assert.Nil(t, stored.Body)

	table.IngestResponse(ResponseReceived("z", okResponse("https://z.test/")))
	key, _ = table.Resolve("z")
	assert.Equal(t, "z-s1", key)
}
