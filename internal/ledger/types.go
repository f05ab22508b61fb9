package ledger

import (
	"net/http"
	"time"
)

// Source names the ingress path that captured a flow.
type Source string

const (
	SourceForward Source = "forward-proxy"
	SourceMITM    Source = "mitm-proxy"
	SourceBrowser Source = "browser"
	SourceReverse Source = "reverse-proxy"
)

const (
	TagDropped       = "dropped"
	TagUpstreamError = "upstream-error"
)

// Flow is one recorded request/response exchange. Flows are immutable once recorded.
type Flow struct {
	ID                  string      `json:"id"`
	Timestamp           time.Time   `json:"timestamp"`
	Method              string      `json:"method"`
	URL                 string      `json:"url"`
	RequestHeaders      http.Header `json:"requestHeaders"`
	RequestBody         *string     `json:"requestBody,omitempty"`
	ResponseStatus      *int        `json:"responseStatus,omitempty"`
	ResponseHeaders     http.Header `json:"responseHeaders,omitempty"`
	ResponseBodyPreview string      `json:"responseBodyPreview,omitempty"`
	Tags                []string    `json:"tags,omitempty"`
	Source              Source      `json:"source"`
}

func (f *Flow) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type FindingType string

const (
	FindingPassive FindingType = "passive"
	FindingActive  FindingType = "active"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Finding struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      FindingType `json:"type"`
	Title     string      `json:"title"`
	Severity  Severity    `json:"severity"`
	URL       string      `json:"url"`
	Details   string      `json:"details,omitempty"`
	FlowID    string      `json:"flowId,omitempty"`
	Plugin    string      `json:"plugin"`
}

type EventType string

const (
	EventFlowNew    EventType = "flow:new"
	EventFindingNew EventType = "finding:new"
)

// Event carries exactly one of Flow or Finding, matching Type.
type Event struct {
	Type    EventType `json:"type"`
	Flow    *Flow     `json:"flow,omitempty"`
	Finding *Finding  `json:"finding,omitempty"`
}
