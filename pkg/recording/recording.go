// Package recording consolidates browser network notifications into
// request/response exchanges ready to be archived.
package recording

import (
	"time"
)

// Exchange is one logical request followed by zero or more redirect hops and
// responses, correlated by the capture source's exchange id.
type Exchange struct {
	// Key is the table key. It equals ExchangeID unless the exchange was
	// minted after an id collision.
	Key        string    `json:"key"`
	ExchangeID string    `json:"exchangeId"`
	Created    time.Time `json:"created"`

	URL      string  `json:"url,omitempty"`
	Method   string  `json:"method,omitempty"`
	Headers  Headers `json:"headers,omitempty"`
	PostData *string `json:"postData,omitempty"`

	// Protocol is the normalized HTTP version of the request, when known.
	Protocol string `json:"protocol,omitempty"`

	// LegURL is the URL of the latest redirect leg's request. It is empty
	// until a leg after the first arrives.
	LegURL string `json:"legUrl,omitempty"`

	Redirects []Snapshot `json:"redirects,omitempty"`
	Responses []Snapshot `json:"responses,omitempty"`

	Body *Body `json:"-"`

	requestSeen bool
	bodyStarted bool
	persisted   bool
}

// Snapshot is a response (final or redirect hop) as it was received.
type Snapshot struct {
	URL                string  `json:"url"`
	Status             int     `json:"status"`
	StatusText         string  `json:"statusText,omitempty"`
	Headers            Headers `json:"headers,omitempty"`
	HeadersText        string  `json:"headersText,omitempty"`
	RequestHeaders     Headers `json:"requestHeaders,omitempty"`
	RequestHeadersText string  `json:"requestHeadersText,omitempty"`
	Method             string  `json:"method,omitempty"`
	Protocol           string  `json:"protocol"`
	Encoding           string  `json:"encoding,omitempty"`
	MimeType           string  `json:"mimeType,omitempty"`
}

// Body is a response payload captured for an exchange. Err is set when the
// fetch failed; Data is then nil.
type Body struct {
	Data []byte
	Err  error
}

// HasRequest reports whether the request side has been populated by a
// request notification. Headers or a method derived from a response do not
// count: such an exchange is still headless.
func (e *Exchange) HasRequest() bool {
	return e.requestSeen || e.URL != ""
}

// HasResponse reports whether at least one response arrived.
func (e *Exchange) HasResponse() bool {
	return len(e.Responses) > 0
}

// IsHeadless reports whether a response arrived before its request.
func (e *Exchange) IsHeadless() bool {
	return e.HasResponse() && !e.HasRequest()
}

// IsComplete reports whether both sides are populated.
func (e *Exchange) IsComplete() bool {
	return e.HasResponse() && e.HasRequest()
}

// BodyPending reports whether a body fetch was started and has not yet
// been attached.
func (e *Exchange) BodyPending() bool {
	return e.bodyStarted && e.Body == nil
}

// Persisted reports whether the exchange was handed to the serializer.
func (e *Exchange) Persisted() bool {
	return e.persisted
}

// FinalResponse returns the last response received, if any.
func (e *Exchange) FinalResponse() (Snapshot, bool) {
	if len(e.Responses) == 0 {
		return Snapshot{}, false
	}
	return e.Responses[len(e.Responses)-1], true
}

// TargetURL returns the URL the exchange should be archived under: the
// request URL, or the first response URL for an exchange whose request never
// arrived.
func (e *Exchange) TargetURL() string {
	if e.URL != "" {
		return e.URL
	}
	for _, r := range e.Responses {
		if r.URL != "" {
			return r.URL
		}
	}
	return ""
}

// Clone returns a copy that shares no mutable state with e.
func (e *Exchange) Clone() *Exchange {
	c := *e
	c.Headers = e.Headers.Clone()
	if e.PostData != nil {
		pd := *e.PostData
		c.PostData = &pd
	}
	c.Redirects = cloneSnapshots(e.Redirects)
	c.Responses = cloneSnapshots(e.Responses)
	if e.Body != nil {
		b := *e.Body
		if e.Body.Data != nil {
			b.Data = append([]byte(nil), e.Body.Data...)
		}
		c.Body = &b
	}
	return &c
}

func cloneSnapshots(in []Snapshot) []Snapshot {
	if in == nil {
		return nil
	}
	out := make([]Snapshot, len(in))
	for i, s := range in {
		s.Headers = s.Headers.Clone()
		s.RequestHeaders = s.RequestHeaders.Clone()
		out[i] = s
	}
	return out
}
