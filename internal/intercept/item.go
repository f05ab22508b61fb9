package intercept

import (
	"net/http"
	"strings"
	"time"
)

type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// State is reported to clients of the queue. Decided items leave the queue, so
// every listed item is pending.
type State string

const StatePending State = "pending"

type Action string

const (
	ActionSend Action = "send"
	ActionDrop Action = "drop"
)

// Item is a suspended exchange awaiting an operator decision. At the request stage
// Headers and Body describe the request; at the response stage Headers are the
// response headers and the response itself is in ResponseStatus and ResponseBody.
type Item struct {
	ID             string      `json:"id"`
	CreatedAt      time.Time   `json:"createdAt"`
	Stage          Stage       `json:"stage"`
	Method         string      `json:"method"`
	URL            string      `json:"url"`
	Headers        http.Header `json:"headers"`
	Body           *string     `json:"body,omitempty"`
	ResponseStatus *int        `json:"responseStatus,omitempty"`
	ResponseBody   *string     `json:"responseBody,omitempty"`
	State          State       `json:"state"`
}

// Overrides replace parts of the held exchange when it is sent. Method and URL only
// apply at the request stage, Status only at the response stage. Headers and Body
// refer to whichever side the item holds. A nil field keeps the original.
type Overrides struct {
	Method  *string     `json:"method,omitempty"`
	URL     *string     `json:"url,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    *string     `json:"body,omitempty"`
	Status  *int        `json:"status,omitempty"`
}

type Decision struct {
	Action    Action    `json:"action"`
	Overrides Overrides `json:"overrides"`
}

func (d Decision) Dropped() bool {
	return d.Action != ActionSend
}

// Send returns a send decision carrying o.
func Send(o Overrides) Decision {
	return Decision{Action: ActionSend, Overrides: o}
}

var Drop = Decision{Action: ActionDrop}

// RequestHold describes a request about to be dispatched upstream.
type RequestHold struct {
	Method  string
	URL     string
	Headers http.Header
	Body    *string
}

// ResponseHold describes a response about to be delivered to the client.
type ResponseHold struct {
	Method  string
	URL     string
	Status  int
	Headers http.Header
	Body    *string
}

func stripContentLength(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for k := range out {
		if strings.EqualFold(k, "content-length") {
			delete(out, k)
		}
	}
	return out
}
