package cdp

import (
	"encoding/json"
	"fmt"

	"github.com/getmockd/warcrec/pkg/recording"
)

// Handler consumes network activity translated from protocol events.
// Calls arrive in event order on one goroutine.
type Handler interface {
	HandleNotification(n recording.Notification)
	// HandleLoadingFinished signals that the response body of the exchange
	// can be fetched.
	HandleLoadingFinished(exchangeID string)
	HandleLoadingFailed(exchangeID, reason string)
}

// translator turns Network events into notifications. It remembers the
// method of the request in flight per id so redirect hops can carry the
// method that received the redirect.
type translator struct {
	methods map[string]string
}

func newTranslator() *translator {
	return &translator{methods: make(map[string]string)}
}

// apply decodes ev and forwards it to h. Events outside the Network domain
// subset warcrec uses are ignored.
func (t *translator) apply(ev Event, h Handler) error {
	switch ev.Method {
	case EventRequestWillBeSent:
		var p RequestWillBeSent
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Method, err)
		}
		var from string
		if rr := p.RedirectResponse; rr != nil {
			h.HandleNotification(recording.RedirectReceived(p.RequestID, responseInfo(*rr, t.methods[p.RequestID])))
			from = rr.URL
		}
		t.methods[p.RequestID] = p.Request.Method
		h.HandleNotification(recording.RequestSent(p.RequestID, requestInfo(p.Request, from)))

	case EventResponseReceived:
		var p ResponseReceived
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Method, err)
		}
		h.HandleNotification(recording.ResponseReceived(p.RequestID, responseInfo(p.Response, "")))

	case EventLoadingFinished:
		var p LoadingFinished
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Method, err)
		}
		delete(t.methods, p.RequestID)
		h.HandleLoadingFinished(p.RequestID)

	case EventLoadingFailed:
		var p LoadingFailed
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Method, err)
		}
		delete(t.methods, p.RequestID)
		reason := p.ErrorText
		if p.Canceled && reason == "" {
			reason = "canceled"
		}
		h.HandleLoadingFailed(p.RequestID, reason)
	}
	return nil
}
