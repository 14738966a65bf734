package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoTarget is returned when no page target matches the selector.
var ErrNoTarget = errors.New("no matching devtools target")

// DefaultDiscoveryTimeout bounds each discovery request.
const DefaultDiscoveryTimeout = 10 * time.Second

// Version is the /json/version document.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Target is one entry of /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description,omitempty"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discovery queries a browser's DevTools HTTP endpoints.
type Discovery struct {
	http *resty.Client
}

// NewDiscovery creates a Discovery for a DevTools base URL such as
// http://127.0.0.1:9222.
func NewDiscovery(baseURL string, timeout time.Duration) *Discovery {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	return &Discovery{http: client}
}

// Version fetches /json/version.
func (d *Discovery) Version(ctx context.Context) (*Version, error) {
	var v Version
	if err := d.get(ctx, "/json/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Targets fetches /json/list.
func (d *Discovery) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := d.get(ctx, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// NewTarget opens a new page at rawURL via /json/new.
func (d *Discovery) NewTarget(ctx context.Context, rawURL string) (*Target, error) {
	var t Target
	res, err := d.http.R().
		SetContext(ctx).
		SetResult(&t).
		Put("/json/new?" + url.QueryEscape(rawURL))
	if err != nil {
		return nil, fmt.Errorf("open devtools target: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("open devtools target: %s", res.Status())
	}
	return &t, nil
}

func (d *Discovery) get(ctx context.Context, path string, out any) error {
	res, err := d.http.R().
		SetContext(ctx).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("devtools %s: %w", path, err)
	}
	if res.IsError() {
		return fmt.Errorf("devtools %s: %s", path, res.Status())
	}
	return nil
}

// Discover fetches the browser version document from devtoolsURL.
func Discover(ctx context.Context, devtoolsURL string) (*Version, error) {
	return NewDiscovery(devtoolsURL, 0).Version(ctx)
}

// ListTargets fetches the target list from devtoolsURL.
func ListTargets(ctx context.Context, devtoolsURL string) ([]Target, error) {
	return NewDiscovery(devtoolsURL, 0).Targets(ctx)
}

// SelectTarget picks the page target whose id equals selector or whose URL
// contains it. An empty selector picks the first page.
func SelectTarget(targets []Target, selector string) (*Target, error) {
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if selector == "" || t.ID == selector || strings.Contains(t.URL, selector) {
			return t, nil
		}
	}
	if selector == "" {
		return nil, ErrNoTarget
	}
	return nil, fmt.Errorf("%w: %q", ErrNoTarget, selector)
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Target selects the page, see SelectTarget. When nothing matches and
	// Target is empty a new blank page is opened.
	Target  string
	Timeout time.Duration
	Client  ClientOptions
}

// Session is an open connection to a page target.
type Session struct {
	Client  *Client
	Version *Version
	Target  *Target
}

// Connect resolves a page target and dials it. devtoolsURL is either the
// HTTP endpoint of a browser or a ws:// URL of a target, which is dialed
// directly.
func Connect(ctx context.Context, devtoolsURL string, opts ConnectOptions) (*Session, error) {
	if strings.HasPrefix(devtoolsURL, "ws://") || strings.HasPrefix(devtoolsURL, "wss://") {
		client, err := Dial(ctx, devtoolsURL, opts.Client)
		if err != nil {
			return nil, err
		}
		return &Session{Client: client, Target: &Target{WebSocketDebuggerURL: devtoolsURL}}, nil
	}

	d := NewDiscovery(devtoolsURL, opts.Timeout)
	version, err := d.Version(ctx)
	if err != nil {
		return nil, err
	}
	targets, err := d.Targets(ctx)
	if err != nil {
		return nil, err
	}
	target, err := SelectTarget(targets, opts.Target)
	if errors.Is(err, ErrNoTarget) && opts.Target == "" {
		target, err = d.NewTarget(ctx, "about:blank")
	}
	if err != nil {
		return nil, err
	}

	client, err := Dial(ctx, target.WebSocketDebuggerURL, opts.Client)
	if err != nil {
		return nil, err
	}
	return &Session{Client: client, Version: version, Target: target}, nil
}
