package recording

import (
	"errors"
	"sort"
	"strings"
)

// Errors returned by the recording package.
var (
	ErrNotFound       = errors.New("exchange not found")
	ErrInvalidKind    = errors.New("invalid notification kind")
	ErrEmptyExchange  = errors.New("notification has no exchange id")
	ErrInvalidPattern = errors.New("invalid filter pattern")
)

// Kind identifies the variant carried by a Notification.
type Kind string

const (
	KindRequestSent      Kind = "request"
	KindResponseReceived Kind = "response"
	KindRedirectReceived Kind = "redirect"
)

// IsValid checks if the kind is one of the known notification kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindRequestSent, KindResponseReceived, KindRedirectReceived:
		return true
	default:
		return false
	}
}

// Notification is one network event from the capture source.
// Exactly one of Request, Response or Redirect is set, matching Kind.
type Notification struct {
	Kind       Kind          `json:"kind"`
	ExchangeID string        `json:"exchangeId"`
	Request    *RequestInfo  `json:"request,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`
	Redirect   *ResponseInfo `json:"redirect,omitempty"`
}

// RequestSent builds a request notification.
func RequestSent(exchangeID string, req RequestInfo) Notification {
	return Notification{Kind: KindRequestSent, ExchangeID: exchangeID, Request: &req}
}

// ResponseReceived builds a response notification.
func ResponseReceived(exchangeID string, res ResponseInfo) Notification {
	return Notification{Kind: KindResponseReceived, ExchangeID: exchangeID, Response: &res}
}

// RedirectReceived builds a redirect notification. res is the 3xx response
// that caused the redirect.
func RedirectReceived(exchangeID string, res ResponseInfo) Notification {
	return Notification{Kind: KindRedirectReceived, ExchangeID: exchangeID, Redirect: &res}
}

// URL returns the URL the notification refers to, for filtering.
func (n Notification) URL() string {
	switch {
	case n.Request != nil:
		return n.Request.URL
	case n.Response != nil:
		return n.Response.URL
	case n.Redirect != nil:
		return n.Redirect.URL
	}
	return ""
}

// RequestInfo is the request side of a notification.
type RequestInfo struct {
	URL            string  `json:"url"`
	Method         string  `json:"method"`
	Headers        Headers `json:"headers,omitempty"`
	PostData       *string `json:"postData,omitempty"`
	HasPostData    bool    `json:"hasPostData,omitempty"`
	RedirectedFrom string  `json:"redirectedFrom,omitempty"`
}

// ResponseInfo is the response side of a notification.
type ResponseInfo struct {
	URL                string  `json:"url"`
	Status             int     `json:"status"`
	StatusText         string  `json:"statusText,omitempty"`
	Headers            Headers `json:"headers,omitempty"`
	HeadersText        string  `json:"headersText,omitempty"`
	RequestHeaders     Headers `json:"requestHeaders,omitempty"`
	RequestHeadersText string  `json:"requestHeadersText,omitempty"`
	Protocol           string  `json:"protocol,omitempty"`
	MimeType           string  `json:"mimeType,omitempty"`
	// Method is only known for redirect hops, where it comes from the request
	// that received the redirect.
	Method string `json:"method,omitempty"`
}

// Headers maps header names to values. Names keep the case they were
// captured with; multiple values of one field are joined by newlines, the
// way the DevTools protocol reports them.
type Headers map[string]string

// Get returns the value of the first field whose name matches case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Has reports whether a field with the given name exists.
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Clone returns a copy of h. A nil map stays nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Names returns the field names sorted case-insensitively, so that
// serialized output is deterministic.
func (h Headers) Names() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := strings.ToLower(names[i]), strings.ToLower(names[j])
		if a == b {
			return names[i] < names[j]
		}
		return a < b
	})
	return names
}
