// Package capture feeds requests made by a DevTools-controlled browser through
// the interception coordinator and into the flow ledger, using the Fetch domain.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"

	"github.com/seclab/seclab/internal/intercept"
	"github.com/seclab/seclab/internal/ledger"
	"github.com/seclab/seclab/internal/metrics"
	"github.com/seclab/seclab/internal/plugin"
)

const commandTimeout = 5 * time.Second

var ErrNoTarget = errors.New("no matching devtools page target")

// Options configures a Capture. Plugins and Metrics may be nil.
type Options struct {
	DevToolsURL string
	// Target is the DevTools target id to attach to. Empty selects the first page.
	Target      string
	Coordinator *intercept.Coordinator
	Ledger      *ledger.Ledger
	Plugins     *plugin.Runner
	Metrics     *metrics.Metrics
}

// request is what the request stage learned about an exchange, kept until the
// response stage for the same request arrives.
type request struct {
	method string
	url    string
	header http.Header
	body   *string
	skip   bool
}

type Capture struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	conn   *rpcc.Conn
	fetch  cdp.Fetch
	wg     sync.WaitGroup

	mu       sync.Mutex
	requests map[string]*request
}

func New(opts Options) *Capture {
	ctx, cancel := context.WithCancel(context.Background())
	return &Capture{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[string]*request),
	}
}

// Start attaches to the configured target, enables request and response stage
// interception and consumes paused requests until Close.
func (c *Capture) Start(ctx context.Context) error {
	targets, err := devtool.New(c.opts.DevToolsURL).List(ctx)
	if err != nil {
		return fmt.Errorf("list devtools targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if c.opts.Target != "" && string(t.ID) == c.opts.Target {
			sel = t
			break
		}
		if c.opts.Target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
	}
	if sel == nil {
		return ErrNoTarget
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("dial devtools target %s: %w", string(sel.ID), err)
	}
	client := cdp.NewClient(conn)

	p := "*"
	err = client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}})
	if err != nil {
		conn.Close()
		return fmt.Errorf("enable fetch interception: %w", err)
	}
	paused, err := client.Fetch.RequestPaused(c.ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to paused requests: %w", err)
	}

	c.conn = conn
	c.fetch = client.Fetch
	slog.Info("Browser capture attached", slog.String("target", string(sel.ID)), slog.String("url", sel.URL))

	c.wg.Add(1)
	go c.consume(paused)
	return nil
}

func (c *Capture) consume(paused fetch.RequestPausedClient) {
	defer c.wg.Done()
	defer paused.Close()
	for {
		ev, err := paused.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("Browser capture stream closed", slog.Any("error", err))
			}
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(c.ctx, ev)
		}()
	}
}

// Close detaches from the browser. Paused requests still held are released as
// dropped.
func (c *Capture) Close() error {
	c.cancel()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Capture) handle(ctx context.Context, ev *fetch.RequestPausedReply) {
	if ev.ResponseStatusCode != nil || ev.ResponseErrorReason != nil {
		c.onResponse(ctx, ev)
		return
	}
	c.onRequest(ctx, ev)
}

func (c *Capture) onRequest(ctx context.Context, ev *fetch.RequestPausedReply) {
	key := requestKey(ev)
	req := &request{
		method: ev.Request.Method,
		url:    ev.Request.URL,
		header: parseHeaders(ev.Request.Headers),
		body:   ev.Request.PostData,
	}
	if skipURL(req.url) || isPreflight(req.method, req.header) {
		req.skip = true
		c.remember(key, req)
		c.call("continueRequest", func(ctx context.Context) error {
			return c.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID})
		})
		return
	}

	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
	if c.opts.Coordinator.RequestsEnabled() {
		d := c.opts.Coordinator.HoldRequest(ctx, intercept.RequestHold{
			Method:  req.method,
			URL:     req.url,
			Headers: req.header,
			Body:    req.body,
		})
		if ctx.Err() != nil {
			return
		}
		if d.Dropped() {
			c.opts.Metrics.RecordDrop(string(intercept.StageRequest))
			c.call("failRequest", func(ctx context.Context) error {
				return c.fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: network.ErrorReasonAborted})
			})
			f := req.flow()
			f.Tags = []string{ledger.TagDropped}
			c.finish(ctx, f)
			return
		}
		applyRequestOverrides(req, args, d.Overrides)
	}
	c.remember(key, req)

	pre := req.flow()
	c.opts.Plugins.OnRequest(ctx, &pre)
	c.call("continueRequest", func(ctx context.Context) error {
		return c.fetch.ContinueRequest(ctx, args)
	})
}

func applyRequestOverrides(req *request, args *fetch.ContinueRequestArgs, o intercept.Overrides) {
	if o.URL != nil && *o.URL != req.url {
		req.url = *o.URL
		args.URL = o.URL
	}
	if o.Method != nil && *o.Method != req.method {
		req.method = *o.Method
		args.Method = o.Method
	}
	if o.Headers != nil {
		req.header = o.Headers.Clone()
		args.Headers = headerEntries(req.header)
	}
	if o.Body != nil {
		req.body = o.Body
		args.PostData = []byte(*o.Body)
	}
}

func (c *Capture) onResponse(ctx context.Context, ev *fetch.RequestPausedReply) {
	req, ok := c.take(requestKey(ev))
	if !ok {
		req = &request{method: ev.Request.Method, url: ev.Request.URL, header: parseHeaders(ev.Request.Headers), body: ev.Request.PostData}
	}
	if req.skip {
		c.call("continueResponse", func(ctx context.Context) error {
			return c.fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID})
		})
		return
	}

	if ev.ResponseErrorReason != nil {
		reason := *ev.ResponseErrorReason
		c.opts.Metrics.RecordUpstreamError(string(ledger.SourceBrowser))
		slog.Debug("Browser request failed", slog.String("url", req.url), slog.String("reason", string(reason)))
		c.call("failRequest", func(ctx context.Context) error {
			return c.fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: reason})
		})
		f := req.flow()
		f.Tags = []string{ledger.TagUpstreamError}
		c.finish(ctx, f)
		return
	}

	status := *ev.ResponseStatusCode
	header := fromEntries(ev.ResponseHeaders)
	body, err := c.responseBody(ctx, ev.RequestID)
	if err != nil {
		slog.Debug("No response body", slog.String("url", req.url), slog.Any("error", err))
	}

	if !c.opts.Coordinator.ShouldHoldResponse(ctx, req.url) {
		c.call("continueResponse", func(ctx context.Context) error {
			return c.fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID})
		})
		c.finish(ctx, req.response(status, header, body))
		return
	}

	d := c.opts.Coordinator.HoldResponse(ctx, intercept.ResponseHold{
		Method:  req.method,
		URL:     req.url,
		Status:  status,
		Headers: header,
		Body:    optionalString(body),
	})
	if ctx.Err() != nil {
		return
	}
	if d.Dropped() {
		c.opts.Metrics.RecordDrop(string(intercept.StageResponse))
		c.call("failRequest", func(ctx context.Context) error {
			return c.fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: network.ErrorReasonAborted})
		})
		f := req.response(status, header, nil)
		f.Tags = []string{ledger.TagDropped}
		c.finish(ctx, f)
		return
	}

	o := d.Overrides
	if o.Status != nil {
		status = *o.Status
	}
	if o.Headers != nil {
		header = o.Headers.Clone()
	}
	if o.Body != nil {
		body = []byte(*o.Body)
	}
	c.call("fulfillRequest", func(ctx context.Context) error {
		return c.fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
			RequestID:       ev.RequestID,
			ResponseCode:    status,
			ResponseHeaders: headerEntries(header),
			Body:            body,
		})
	})
	c.finish(ctx, req.response(status, header, body))
}

func (c *Capture) responseBody(ctx context.Context, id fetch.RequestID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	reply, err := c.fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: id})
	if err != nil {
		return nil, err
	}
	if reply.Base64Encoded {
		return base64.StdEncoding.DecodeString(reply.Body)
	}
	return []byte(reply.Body), nil
}

func (c *Capture) finish(ctx context.Context, f ledger.Flow) {
	status := 0
	if f.ResponseStatus != nil {
		status = *f.ResponseStatus
	}
	c.opts.Metrics.RecordExchange(string(ledger.SourceBrowser), status)

	rec, err := c.opts.Ledger.RecordFlow(context.WithoutCancel(ctx), f)
	if err != nil {
		slog.Error("Failed to record flow", slog.String("url", f.URL), slog.Any("error", err))
		return
	}
	if f.ResponseStatus != nil && !rec.HasTag(ledger.TagDropped) {
		c.opts.Plugins.OnResponse(context.WithoutCancel(ctx), rec)
	}
}

// call runs a Fetch command on its own deadline. Failures are logged; the
// browser resolves the request on its own once the target goes away.
func (c *Capture) call(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("Fetch command failed", slog.String("command", name), slog.Any("error", err))
	}
}

func (c *Capture) remember(key string, req *request) {
	c.mu.Lock()
	c.requests[key] = req
	c.mu.Unlock()
}

func (c *Capture) take(key string) (*request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[key]
	delete(c.requests, key)
	return req, ok
}

func (r *request) flow() ledger.Flow {
	return ledger.Flow{
		Method:         r.method,
		URL:            r.url,
		RequestHeaders: r.header.Clone(),
		RequestBody:    r.body,
		Source:         ledger.SourceBrowser,
	}
}

func (r *request) response(status int, header http.Header, body []byte) ledger.Flow {
	f := r.flow()
	f.ResponseStatus = &status
	f.ResponseHeaders = header
	f.ResponseBodyPreview = string(body)
	return f
}

// requestKey ties the request and response stage events of one exchange together.
func requestKey(ev *fetch.RequestPausedReply) string {
	if ev.NetworkID != nil {
		return string(*ev.NetworkID)
	}
	return string(ev.RequestID)
}

func skipURL(u string) bool {
	for _, p := range []string{"data:", "chrome-extension:", "devtools:"} {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

func isPreflight(method string, h http.Header) bool {
	return method == http.MethodOptions && h.Get("Access-Control-Request-Method") != ""
}

func parseHeaders(raw network.Headers) http.Header {
	h := http.Header{}
	if len(raw) == 0 {
		return h
	}
	gjson.ParseBytes(raw).ForEach(func(k, v gjson.Result) bool {
		// Chrome joins repeated values with newlines.
		for _, s := range strings.Split(v.String(), "\n") {
			h.Add(k.String(), s)
		}
		return true
	})
	return h
}

func fromEntries(entries []fetch.HeaderEntry) http.Header {
	h := http.Header{}
	for _, e := range entries {
		h.Add(e.Name, e.Value)
	}
	return h
}

// headerEntries converts h for a Fetch command. Content-Length is left for the
// browser to compute.
func headerEntries(h http.Header) []fetch.HeaderEntry {
	out := make([]fetch.HeaderEntry, 0, len(h))
	for k, vs := range h {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			out = append(out, fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return out
}

func optionalString(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
