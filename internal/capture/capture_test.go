package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"github.com/seclab/seclab/internal/intercept"
	"github.com/seclab/seclab/internal/ledger"
)

type fakeFetch struct {
	cdp.Fetch

	mu                sync.Mutex
	continued         []*fetch.ContinueRequestArgs
	failed            []*fetch.FailRequestArgs
	fulfilled         []*fetch.FulfillRequestArgs
	responseContinued []*fetch.ContinueResponseArgs
	body              *fetch.GetResponseBodyReply
	bodyErr           error
}

func (f *fakeFetch) ContinueRequest(_ context.Context, args *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, args)
	return nil
}

func (f *fakeFetch) FailRequest(_ context.Context, args *fetch.FailRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, args)
	return nil
}

func (f *fakeFetch) FulfillRequest(_ context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, args)
	return nil
}

func (f *fakeFetch) ContinueResponse(_ context.Context, args *fetch.ContinueResponseArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responseContinued = append(f.responseContinued, args)
	return nil
}

func (f *fakeFetch) GetResponseBody(context.Context, *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error) {
	if f.bodyErr != nil {
		return nil, f.bodyErr
	}
	if f.body == nil {
		return &fetch.GetResponseBodyReply{}, nil
	}
	return f.body, nil
}

type harness struct {
	c      *Capture
	fetch  *fakeFetch
	coord  *intercept.Coordinator
	ledger *ledger.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ff := &fakeFetch{}
	coord := intercept.New(context.Background(), &intercept.MemorySettings{})
	l := ledger.New(ledger.NewMemoryStore(), 0)
	c := New(Options{Coordinator: coord, Ledger: l})
	c.fetch = ff
	t.Cleanup(func() { c.cancel() })
	return &harness{c: c, fetch: ff, coord: coord, ledger: l}
}

func (h *harness) flows(t *testing.T) []ledger.Flow {
	t.Helper()
	flows, err := h.ledger.ListFlows(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return flows
}

func (h *harness) waitPending(t *testing.T) intercept.Item {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if items := h.coord.ListPending(); len(items) > 0 {
			return items[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a pending item")
	return intercept.Item{}
}

func requestEvent(id, method, url, headers string) *fetch.RequestPausedReply {
	return &fetch.RequestPausedReply{
		RequestID: fetch.RequestID(id),
		Request: network.Request{
			URL:     url,
			Method:  method,
			Headers: network.Headers(headers),
		},
	}
}

func responseEvent(req *fetch.RequestPausedReply, status int, headers ...fetch.HeaderEntry) *fetch.RequestPausedReply {
	ev := *req
	ev.ResponseStatusCode = &status
	ev.ResponseHeaders = headers
	return &ev
}

func TestPassThroughRecordsBrowserFlow(t *testing.T) {
	h := newHarness(t)
	h.fetch.body = &fetch.GetResponseBodyReply{Body: "aGVsbG8=", Base64Encoded: true}
	ctx := context.Background()

	req := requestEvent("1", "GET", "http://example.com/", `{"Accept":"text/html"}`)
	h.c.handle(ctx, req)
	if len(h.fetch.continued) != 1 || h.fetch.continued[0].URL != nil {
		t.Fatalf("continued = %+v", h.fetch.continued)
	}
	if h.coord.Len() != 0 {
		t.Fatal("item created with interception off")
	}

	h.c.handle(ctx, responseEvent(req, 200, fetch.HeaderEntry{Name: "Content-Type", Value: "text/plain"}))
	if len(h.fetch.responseContinued) != 1 {
		t.Fatalf("responseContinued = %d", len(h.fetch.responseContinued))
	}

	flows := h.flows(t)
	if len(flows) != 1 {
		t.Fatalf("flows = %d, want 1", len(flows))
	}
	f := flows[0]
	if f.Source != ledger.SourceBrowser || *f.ResponseStatus != 200 || f.ResponseBodyPreview != "hello" {
		t.Errorf("flow = %+v", f)
	}
	if f.RequestHeaders.Get("Accept") != "text/html" {
		t.Errorf("request headers = %v", f.RequestHeaders)
	}
}

func TestSkippedRequestsAreNotRecorded(t *testing.T) {
	tests := []struct {
		name, method, url, headers string
	}{
		{"data url", "GET", "data:text/plain,hi", `{}`},
		{"extension", "GET", "chrome-extension://abc/x.js", `{}`},
		{"preflight", "OPTIONS", "http://example.com/api", `{"access-control-request-method":"POST"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_ = h.coord.SetRequestsEnabled(context.Background(), true)
			_ = h.coord.SetResponsesEnabled(context.Background(), true)

			req := requestEvent("1", tt.method, tt.url, tt.headers)
			h.c.handle(context.Background(), req)
			h.c.handle(context.Background(), responseEvent(req, 204))

			if h.coord.Len() != 0 {
				t.Error("skipped request was held")
			}
			if len(h.fetch.continued) != 1 || len(h.fetch.responseContinued) != 1 {
				t.Errorf("continued = %d, responseContinued = %d", len(h.fetch.continued), len(h.fetch.responseContinued))
			}
			if flows := h.flows(t); len(flows) != 0 {
				t.Errorf("flows = %+v", flows)
			}
		})
	}
}

func TestRequestHoldOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.coord.SetRequestsEnabled(ctx, true)

	req := requestEvent("7", "POST", "http://example.com/login", `{"Content-Type":"text/plain","Content-Length":"3"}`)
	body := "a=1"
	req.Request.PostData = &body

	done := make(chan struct{})
	go func() {
		h.c.handle(ctx, req)
		close(done)
	}()
	item := h.waitPending(t)
	if item.Stage != intercept.StageRequest || item.Body == nil || *item.Body != "a=1" {
		t.Fatalf("item = %+v", item)
	}

	u := "http://example.com/other"
	nb := "a=2&b=3"
	err := h.coord.Decide(item.ID, intercept.Send(intercept.Overrides{
		URL:     &u,
		Headers: http.Header{"Content-Type": {"text/plain"}, "X-Test": {"1"}},
		Body:    &nb,
	}))
	if err != nil {
		t.Fatal(err)
	}
	<-done

	if len(h.fetch.continued) != 1 {
		t.Fatalf("continued = %d", len(h.fetch.continued))
	}
	args := h.fetch.continued[0]
	if args.URL == nil || *args.URL != u {
		t.Errorf("URL = %v", args.URL)
	}
	if args.Method != nil {
		t.Errorf("method override sent for unchanged method: %v", *args.Method)
	}
	if string(args.PostData) != nb {
		t.Errorf("PostData = %q", args.PostData)
	}
	for _, e := range args.Headers {
		if e.Name == "Content-Length" {
			t.Error("content-length forwarded")
		}
	}
	if len(args.Headers) != 2 {
		t.Errorf("headers = %+v", args.Headers)
	}

	h.c.handle(ctx, responseEvent(req, 200))
	flows := h.flows(t)
	if len(flows) != 1 || flows[0].URL != u || *flows[0].RequestBody != nb {
		t.Errorf("flows = %+v", flows)
	}
}

func TestRequestDropFailsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.coord.SetRequestsEnabled(ctx, true)

	done := make(chan struct{})
	go func() {
		h.c.handle(ctx, requestEvent("9", "GET", "http://example.com/", `{}`))
		close(done)
	}()
	item := h.waitPending(t)
	_ = h.coord.Decide(item.ID, intercept.Drop)
	<-done

	if len(h.fetch.continued) != 0 {
		t.Error("dropped request was continued")
	}
	if len(h.fetch.failed) != 1 || h.fetch.failed[0].ErrorReason != network.ErrorReasonAborted {
		t.Fatalf("failed = %+v", h.fetch.failed)
	}
	flows := h.flows(t)
	if len(flows) != 1 || !flows[0].HasTag(ledger.TagDropped) || flows[0].ResponseStatus != nil {
		t.Errorf("flows = %+v", flows)
	}
}

func TestResponseHoldFulfills(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetch.body = &fetch.GetResponseBodyReply{Body: "original"}
	_ = h.coord.AddResponseWatch(ctx, "http://example.com/page")

	req := requestEvent("3", "GET", "http://example.com/page", `{}`)
	h.c.handle(ctx, req)

	done := make(chan struct{})
	go func() {
		h.c.handle(ctx, responseEvent(req, 200,
			fetch.HeaderEntry{Name: "Content-Type", Value: "text/html"},
			fetch.HeaderEntry{Name: "Content-Length", Value: "8"}))
		close(done)
	}()
	item := h.waitPending(t)
	if item.Stage != intercept.StageResponse || *item.ResponseBody != "original" {
		t.Fatalf("item = %+v", item)
	}

	status := 201
	patched := "patched"
	_ = h.coord.Decide(item.ID, intercept.Send(intercept.Overrides{Status: &status, Body: &patched}))
	<-done

	if len(h.fetch.fulfilled) != 1 {
		t.Fatalf("fulfilled = %d", len(h.fetch.fulfilled))
	}
	args := h.fetch.fulfilled[0]
	if args.ResponseCode != 201 || string(args.Body) != "patched" {
		t.Errorf("fulfill = %+v", args)
	}
	for _, e := range args.ResponseHeaders {
		if e.Name == "Content-Length" {
			t.Error("content-length forwarded")
		}
	}
	flows := h.flows(t)
	if len(flows) != 1 || *flows[0].ResponseStatus != 201 || flows[0].ResponseBodyPreview != "patched" {
		t.Errorf("flows = %+v", flows)
	}
}

func TestResponseDropFailsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.coord.SetResponsesEnabled(ctx, true)

	req := requestEvent("4", "GET", "http://example.com/", `{}`)
	h.c.handle(ctx, req)
	done := make(chan struct{})
	go func() {
		h.c.handle(ctx, responseEvent(req, 200))
		close(done)
	}()
	item := h.waitPending(t)
	_ = h.coord.Decide(item.ID, intercept.Drop)
	<-done

	if len(h.fetch.failed) != 1 || len(h.fetch.fulfilled) != 0 || len(h.fetch.responseContinued) != 0 {
		t.Errorf("failed = %d, fulfilled = %d, continued = %d", len(h.fetch.failed), len(h.fetch.fulfilled), len(h.fetch.responseContinued))
	}
	flows := h.flows(t)
	if len(flows) != 1 || !flows[0].HasTag(ledger.TagDropped) {
		t.Errorf("flows = %+v", flows)
	}
}

func TestResponseErrorRecordsUpstreamError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := requestEvent("5", "GET", "http://unreachable.test/", `{}`)
	h.c.handle(ctx, req)

	ev := *req
	reason := network.ErrorReasonNameNotResolved
	ev.ResponseErrorReason = &reason
	h.c.handle(ctx, &ev)

	if len(h.fetch.failed) != 1 || h.fetch.failed[0].ErrorReason != reason {
		t.Fatalf("failed = %+v", h.fetch.failed)
	}
	flows := h.flows(t)
	if len(flows) != 1 || !flows[0].HasTag(ledger.TagUpstreamError) || flows[0].ResponseStatus != nil {
		t.Errorf("flows = %+v", flows)
	}
}

func TestMissingBodyStillContinues(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodyErr = errors.New("no body for redirect")
	ctx := context.Background()
	req := requestEvent("6", "GET", "http://example.com/r", `{}`)
	h.c.handle(ctx, req)
	h.c.handle(ctx, responseEvent(req, 302, fetch.HeaderEntry{Name: "Location", Value: "/"}))

	if len(h.fetch.responseContinued) != 1 {
		t.Fatalf("responseContinued = %d", len(h.fetch.responseContinued))
	}
	flows := h.flows(t)
	if len(flows) != 1 || *flows[0].ResponseStatus != 302 || flows[0].ResponseHeaders.Get("Location") != "/" {
		t.Errorf("flows = %+v", flows)
	}
}

func TestCloseReleasesHeldRequest(t *testing.T) {
	h := newHarness(t)
	_ = h.coord.SetRequestsEnabled(context.Background(), true)

	done := make(chan struct{})
	go func() {
		h.c.handle(h.c.ctx, requestEvent("8", "GET", "http://example.com/", `{}`))
		close(done)
	}()
	h.waitPending(t)
	if err := h.c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("held request not released on Close")
	}
	if len(h.fetch.continued) != 0 {
		t.Error("request continued after Close")
	}
}

func TestParseHeadersSplitsNewlines(t *testing.T) {
	h := parseHeaders(network.Headers(`{"Set-Cookie":"a=1\nb=2","X-One":"1"}`))
	if got := h.Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Set-Cookie = %v", got)
	}
	if h.Get("X-One") != "1" {
		t.Errorf("X-One = %q", h.Get("X-One"))
	}
	if len(parseHeaders(nil)) != 0 {
		t.Error("nil headers should parse empty")
	}
}

func TestStartNoTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"bg","type":"background_page","webSocketDebuggerUrl":"ws://127.0.0.1:1/x"}]`))
	}))
	defer srv.Close()

	c := New(Options{DevToolsURL: srv.URL})
	defer c.Close()
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("Start err = %v, want ErrNoTarget", err)
	}
}
