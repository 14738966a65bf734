package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscovery_VersionAndTargets(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	ctx := context.Background()

	v, err := Discover(ctx, fb.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/120.0.0.0", v.Browser)
	assert.Equal(t, "1.3", v.ProtocolVersion)
	assert.Contains(t, v.UserAgent, "HeadlessChrome")

	targets, err := ListTargets(ctx, fb.srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "T1", targets[1].ID)
}

func TestDiscovery_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := Discover(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDiscovery_NewTarget(t *testing.T) {
	t.Parallel()

	var gotMethod, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotQuery = r.Method, r.URL.RawQuery
		writeJSON(w, Target{ID: "N1", Type: "page", URL: "about:blank", WebSocketDebuggerURL: "ws://x/devtools/page/N1"})
	}))
	t.Cleanup(srv.Close)

	target, err := NewDiscovery(srv.URL, 0).NewTarget(context.Background(), "about:blank")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "about%3Ablank", gotQuery)
	assert.Equal(t, "N1", target.ID)
}

func TestSelectTarget(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{ID: "S", Type: "service_worker", URL: "https://a.test/sw.js", WebSocketDebuggerURL: "ws://s"},
		{ID: "A", Type: "page", URL: "https://a.test/", WebSocketDebuggerURL: "ws://a"},
		{ID: "B", Type: "page", URL: "https://b.test/news", WebSocketDebuggerURL: "ws://b"},
		{ID: "C", Type: "page", URL: "https://c.test/"},
	}

	tests := []struct {
		selector string
		want     string
		wantErr  bool
	}{
		{"", "A", false},
		{"B", "B", false},
		{"news", "B", false},
		{"sw.js", "", true},
		{"c.test", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			t.Parallel()
			got, err := SelectTarget(targets, tt.selector)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	_, err := SelectTarget(nil, "")
	assert.ErrorIs(t, err, ErrNoTarget)
}
