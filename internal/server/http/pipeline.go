package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/seclab/seclab/internal/intercept"
	"github.com/seclab/seclab/internal/ledger"
	"github.com/seclab/seclab/internal/metrics"
	"github.com/seclab/seclab/internal/plugin"
	"github.com/seclab/seclab/internal/rule"
	"github.com/seclab/seclab/internal/server/utils"
)

const dropMessage = "Request dropped by interceptor"

// Deps are the shared components every ingress path feeds. Plugins and Metrics
// may be nil.
type Deps struct {
	Coordinator *intercept.Coordinator
	Rules       *rule.Set
	Ledger      *ledger.Ledger
	Plugins     *plugin.Runner
	Metrics     *metrics.Metrics
}

// pipeline runs one exchange: request hold, dispatch, rule rewrite, response
// hold, delivery and recording.
type pipeline struct {
	Deps
	source    ledger.Source
	transport http.RoundTripper
}

func newTransport(timeout time.Duration, tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		DialContext:           utils.Dialer{Timeout: timeout}.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
		DisableCompression:    true,
	}
}

// exchange is the request as it will be dispatched, after any operator overrides.
type exchange struct {
	method string
	url    string
	header http.Header
	body   []byte
}

func (e *exchange) apply(o intercept.Overrides) {
	if o.Method != nil {
		e.method = *o.Method
	}
	if o.URL != nil {
		e.url = *o.URL
	}
	if o.Headers != nil {
		e.header = o.Headers.Clone()
	}
	if o.Body != nil {
		e.body = []byte(*o.Body)
	}
}

func (e *exchange) flow(source ledger.Source) ledger.Flow {
	return ledger.Flow{
		Method:         e.method,
		URL:            e.url,
		RequestHeaders: e.header.Clone(),
		RequestBody:    optionalString(e.body),
		Source:         source,
	}
}

func optionalString(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

// serve handles r and writes the outcome to w. abort must terminate the client
// connection without a response; serve returns right after calling it.
func (p *pipeline) serve(w http.ResponseWriter, r *http.Request, abort func()) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	ex := &exchange{method: r.Method, url: r.URL.String(), header: r.Header.Clone(), body: body}
	preflight := isPreflight(r.Method, r.Header)

	if !preflight && p.Coordinator.RequestsEnabled() {
		d := p.Coordinator.HoldRequest(ctx, intercept.RequestHold{
			Method:  ex.method,
			URL:     ex.url,
			Headers: ex.header,
			Body:    optionalString(ex.body),
		})
		if ctx.Err() != nil {
			slog.Debug("Client left while request was held", slog.String("url", ex.url))
			return
		}
		if d.Dropped() {
			p.Metrics.RecordDrop(string(intercept.StageRequest))
			writeText(w, http.StatusTeapot, dropMessage)
			f := ex.flow(p.source)
			f.Tags = []string{ledger.TagDropped}
			p.finish(ctx, f)
			return
		}
		ex.apply(d.Overrides)
	}

	if !preflight {
		pre := ex.flow(p.source)
		p.Plugins.OnRequest(ctx, &pre)
	}

	status, header, respBody, err := p.dispatch(ctx, ex)
	if err != nil {
		p.Metrics.RecordUpstreamError(string(p.source))
		slog.Warn("Upstream dispatch failed", slog.String("url", ex.url), slog.String("source", string(p.source)), slog.Any("error", err))
		writeText(w, http.StatusBadGateway, "Proxy error: "+err.Error())
		if !preflight {
			f := ex.flow(p.source)
			f.Tags = []string{ledger.TagUpstreamError}
			p.finish(ctx, f)
		}
		return
	}

	if !preflight && p.Coordinator.ShouldHoldResponse(ctx, ex.url) {
		d := p.Coordinator.HoldResponse(ctx, intercept.ResponseHold{
			Method:  ex.method,
			URL:     ex.url,
			Status:  status,
			Headers: header,
			Body:    optionalString(respBody),
		})
		if ctx.Err() != nil {
			slog.Debug("Client left while response was held", slog.String("url", ex.url))
			return
		}
		if d.Dropped() {
			p.Metrics.RecordDrop(string(intercept.StageResponse))
			f := ex.flow(p.source)
			f.ResponseStatus = &status
			f.ResponseHeaders = header
			f.Tags = []string{ledger.TagDropped}
			p.finish(ctx, f)
			abort()
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
			respBody = []byte(*o.Body)
		}
	}

	if r.Method != http.MethodHead {
		delHeader(header, "Content-Length")
	}
	deliver(w, status, header, respBody)

	if preflight {
		return
	}
	f := ex.flow(p.source)
	f.ResponseStatus = &status
	f.ResponseHeaders = header
	f.ResponseBodyPreview = previewBody(headerValue(header, "Content-Encoding"), respBody, p.Ledger.PreviewLimit()+utf8.UTFMax)
	p.finish(ctx, f)
}

// dispatch sends ex upstream and returns the response with hop-by-hop headers
// removed and rules applied.
func (p *pipeline) dispatch(ctx context.Context, ex *exchange) (int, http.Header, []byte, error) {
	out, err := http.NewRequestWithContext(ctx, ex.method, ex.url, bytes.NewReader(ex.body))
	if err != nil {
		return 0, nil, nil, err
	}
	out.Header = ex.header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	removeHopByHop(out.Header)
	delHeader(out.Header, "Host")

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}

	removeHopByHop(resp.Header)
	header := rule.Apply(resp.Header, p.Rules.Match(out.URL.Hostname(), out.URL.Path))
	return resp.StatusCode, header, body, nil
}

// finish records f, then hands the stored flow to the plugins.
func (p *pipeline) finish(ctx context.Context, f ledger.Flow) {
	status := 0
	if f.ResponseStatus != nil {
		status = *f.ResponseStatus
	}
	p.Metrics.RecordExchange(string(p.source), status)

	rec, err := p.Ledger.RecordFlow(context.WithoutCancel(ctx), f)
	if err != nil {
		slog.Error("Failed to record flow", slog.String("url", f.URL), slog.Any("error", err))
		return
	}
	if f.ResponseStatus != nil && !rec.HasTag(ledger.TagDropped) {
		p.Plugins.OnResponse(context.WithoutCancel(ctx), rec)
	}
}

func deliver(w http.ResponseWriter, status int, header http.Header, body []byte) {
	dst := w.Header()
	for k, vs := range header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	// Keep the server from adding headers the origin did not send.
	if _, ok := dst["Content-Type"]; !ok {
		dst["Content-Type"] = nil
	}
	if _, ok := dst["Date"]; !ok {
		dst["Date"] = nil
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
