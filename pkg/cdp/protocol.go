package cdp

import (
	"encoding/json"
	"fmt"

	"github.com/getmockd/warcrec/pkg/recording"
)

// Protocol methods and events used by warcrec.
const (
	MethodNetworkEnable      = "Network.enable"
	MethodGetResponseBody    = "Network.getResponseBody"
	MethodGetRequestPostData = "Network.getRequestPostData"
	MethodPageNavigate       = "Page.navigate"

	EventRequestWillBeSent = "Network.requestWillBeSent"
	EventResponseReceived  = "Network.responseReceived"
	EventLoadingFinished   = "Network.loadingFinished"
	EventLoadingFailed     = "Network.loadingFailed"
)

// Event log entries that carry fetched payloads rather than browser events.
const (
	logResponseBody = "warcrec.responseBody"
	logPostData     = "warcrec.requestPostData"
)

const (
	defaultMaxPostDataSize       = 1 << 20
	defaultEventQueueSize        = 4096
	defaultReadLimit       int64 = 256 << 20
)

// message is one frame of the protocol in either direction.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// RPCError is an error reply to a command.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Event is a protocol notification.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Request is Network.Request.
type Request struct {
	URL         string            `json:"url"`
	URLFragment string            `json:"urlFragment,omitempty"`
	Method      string            `json:"method"`
	Headers     recording.Headers `json:"headers"`
	PostData    *string           `json:"postData,omitempty"`
	HasPostData bool              `json:"hasPostData,omitempty"`
}

// Response is Network.Response.
type Response struct {
	URL                string            `json:"url"`
	Status             int               `json:"status"`
	StatusText         string            `json:"statusText"`
	Headers            recording.Headers `json:"headers"`
	HeadersText        string            `json:"headersText,omitempty"`
	MimeType           string            `json:"mimeType"`
	RequestHeaders     recording.Headers `json:"requestHeaders,omitempty"`
	RequestHeadersText string            `json:"requestHeadersText,omitempty"`
	Protocol           string            `json:"protocol,omitempty"`
	RemoteIPAddress    string            `json:"remoteIPAddress,omitempty"`
	FromDiskCache      bool              `json:"fromDiskCache,omitempty"`
}

// RequestWillBeSent is the Network.requestWillBeSent payload.
type RequestWillBeSent struct {
	RequestID        string    `json:"requestId"`
	LoaderID         string    `json:"loaderId"`
	DocumentURL      string    `json:"documentURL"`
	Request          Request   `json:"request"`
	Timestamp        float64   `json:"timestamp"`
	WallTime         float64   `json:"wallTime"`
	RedirectResponse *Response `json:"redirectResponse,omitempty"`
	Type             string    `json:"type,omitempty"`
	FrameID          string    `json:"frameId,omitempty"`
}

// ResponseReceived is the Network.responseReceived payload.
type ResponseReceived struct {
	RequestID string   `json:"requestId"`
	LoaderID  string   `json:"loaderId"`
	Timestamp float64  `json:"timestamp"`
	Type      string   `json:"type"`
	Response  Response `json:"response"`
	FrameID   string   `json:"frameId,omitempty"`
}

// LoadingFinished is the Network.loadingFinished payload.
type LoadingFinished struct {
	RequestID         string  `json:"requestId"`
	Timestamp         float64 `json:"timestamp"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

// LoadingFailed is the Network.loadingFailed payload.
type LoadingFailed struct {
	RequestID     string  `json:"requestId"`
	Timestamp     float64 `json:"timestamp"`
	Type          string  `json:"type,omitempty"`
	ErrorText     string  `json:"errorText"`
	Canceled      bool    `json:"canceled,omitempty"`
	BlockedReason string  `json:"blockedReason,omitempty"`
}

// ResponseBody is the Network.getResponseBody result, also used for bodies
// recorded in an event log.
type ResponseBody struct {
	RequestID     string `json:"requestId,omitempty"`
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
	Error         string `json:"error,omitempty"`
}

// PostData is the Network.getRequestPostData result.
type PostData struct {
	RequestID string `json:"requestId,omitempty"`
	PostData  string `json:"postData"`
	Error     string `json:"error,omitempty"`
}

// NavigateResult is the Page.navigate result.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

func requestInfo(r Request, redirectedFrom string) recording.RequestInfo {
	return recording.RequestInfo{
		URL:            r.URL,
		Method:         r.Method,
		Headers:        r.Headers,
		PostData:       r.PostData,
		HasPostData:    r.HasPostData,
		RedirectedFrom: redirectedFrom,
	}
}

func responseInfo(r Response, method string) recording.ResponseInfo {
	return recording.ResponseInfo{
		URL:                r.URL,
		Status:             r.Status,
		StatusText:         r.StatusText,
		Headers:            r.Headers,
		HeadersText:        r.HeadersText,
		RequestHeaders:     r.RequestHeaders,
		RequestHeadersText: r.RequestHeadersText,
		Protocol:           r.Protocol,
		MimeType:           r.MimeType,
		Method:             method,
	}
}
