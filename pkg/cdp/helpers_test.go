package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/getmockd/warcrec/pkg/recording"
)

// fakeBrowser serves the DevTools HTTP endpoints and one page target.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	calls     []string
	bodies    map[string]ResponseBody
	postData  map[string]string
	connected chan struct{}
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		t:         t,
		bodies:    make(map[string]ResponseBody),
		postData:  make(map[string]string),
		connected: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Version{
			Browser:              "HeadlessChrome/120.0.0.0",
			ProtocolVersion:      "1.3",
			UserAgent:            "Mozilla/5.0 HeadlessChrome/120.0.0.0",
			WebSocketDebuggerURL: fb.wsURL("/devtools/browser/B"),
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []Target{
			{ID: "W1", Type: "service_worker", URL: "https://sw.test/", WebSocketDebuggerURL: fb.wsURL("/devtools/page/W1")},
			{ID: "T1", Type: "page", Title: "Blank", URL: "about:blank", WebSocketDebuggerURL: fb.wsURL("/devtools/page/T1")},
		})
	})
	mux.HandleFunc("/devtools/page/T1", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) wsURL(path string) string {
	return "ws://" + strings.TrimPrefix(fb.srv.URL, "http://") + path
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		fb.t.Errorf("accept: %v", err)
		return
	}
	conn.SetReadLimit(1 << 30)
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()
	close(fb.connected)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			fb.t.Errorf("decode: %v", err)
			return
		}
		fb.mu.Lock()
		fb.calls = append(fb.calls, msg.Method)
		fb.mu.Unlock()

		reply := message{ID: msg.ID}
		var params struct {
			RequestID string `json:"requestId"`
			URL       string `json:"url"`
		}
		_ = json.Unmarshal(msg.Params, &params)

		switch msg.Method {
		case MethodGetResponseBody:
			fb.mu.Lock()
			b, ok := fb.bodies[params.RequestID]
			fb.mu.Unlock()
			if ok {
				reply.Result = mustJSON(b)
			} else {
				reply.Error = &RPCError{Code: -32000, Message: "No resource with given identifier found"}
			}
		case MethodGetRequestPostData:
			fb.mu.Lock()
			pd, ok := fb.postData[params.RequestID]
			fb.mu.Unlock()
			if ok {
				reply.Result = mustJSON(PostData{PostData: pd})
			} else {
				reply.Error = &RPCError{Code: -32000, Message: "No post data available for the request"}
			}
		case MethodPageNavigate:
			if strings.HasPrefix(params.URL, "bad:") {
				reply.Result = mustJSON(NavigateResult{FrameID: "F", ErrorText: "net::ERR_ABORTED"})
			} else {
				reply.Result = mustJSON(NavigateResult{FrameID: "F", LoaderID: "L"})
			}
		default:
			reply.Result = json.RawMessage(`{}`)
		}
		if err := conn.Write(ctx, websocket.MessageText, mustJSON(reply)); err != nil {
			return
		}
	}
}

func (fb *fakeBrowser) emit(method string, params any) {
	fb.t.Helper()
	<-fb.connected
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	data := mustJSON(message{Method: method, Params: mustJSON(params)})
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		fb.t.Errorf("emit %s: %v", method, err)
	}
}

func (fb *fakeBrowser) setBody(requestID string, b ResponseBody) {
	fb.mu.Lock()
	fb.bodies[requestID] = b
	fb.mu.Unlock()
}

func (fb *fakeBrowser) methods() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.calls...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// recordingHandler captures what a source hands to its Handler.
type recordingHandler struct {
	mu       sync.Mutex
	notes    []recording.Notification
	finished []string
	failed   map[string]string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{failed: make(map[string]string)}
}

func (h *recordingHandler) HandleNotification(n recording.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, n)
}

func (h *recordingHandler) HandleLoadingFinished(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, id)
}

func (h *recordingHandler) HandleLoadingFailed(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[id] = reason
}

func (h *recordingHandler) notifications() []recording.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recording.Notification(nil), h.notes...)
}

func (h *recordingHandler) finishedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.finished...)
}

func (h *recordingHandler) failure(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.failed[id]
	return r, ok
}
