package plugin

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/seclab/seclab/internal/ledger"
)

const (
	PassiveHeadersID = "passive-headers"
	NotFoundID       = "not-found"
)

// versionPattern matches product tokens that carry a version, such as
// "nginx/1.25.3" or "PHP/8.2.1".
const versionPattern = `(?<product>[A-Za-z][\w.-]*)/(?=\d)(?<version>\d[\w.-]*)`

type passiveHeaders struct {
	version *regexp2.Regexp
}

func newPassiveHeaders() *passiveHeaders {
	return &passiveHeaders{version: regexp2.MustCompile(versionPattern, regexp2.None)}
}

func (*passiveHeaders) ID() string { return PassiveHeadersID }

func (*passiveHeaders) OnRequest(context.Context, *ledger.Flow, Sink) {}

func (p *passiveHeaders) OnResponse(ctx context.Context, flow ledger.Flow, sink Sink) {
	if flow.ResponseStatus == nil {
		return
	}
	h := flow.ResponseHeaders
	if h == nil {
		h = http.Header{}
	}
	finding := func(title string, sev ledger.Severity, details string) {
		report(ctx, sink, ledger.Finding{
			Type:     ledger.FindingPassive,
			Title:    title,
			Severity: sev,
			URL:      flow.URL,
			Details:  details,
			FlowID:   flow.ID,
			Plugin:   PassiveHeadersID,
		})
	}

	csp := headerValue(h, "Content-Security-Policy")
	if csp == "" {
		finding("Missing Content-Security-Policy header", ledger.SeverityMedium, "")
	}
	if headerValue(h, "X-Frame-Options") == "" && !strings.Contains(csp, "frame-ancestors") {
		finding("Missing clickjacking protection (X-Frame-Options or CSP frame-ancestors)", ledger.SeverityMedium, "")
	}
	if !strings.EqualFold(strings.TrimSpace(headerValue(h, "X-Content-Type-Options")), "nosniff") {
		finding("Missing X-Content-Type-Options: nosniff", ledger.SeverityLow, "")
	}
	if headerValue(h, "Referrer-Policy") == "" {
		finding("Missing Referrer-Policy", ledger.SeverityLow, "")
	}
	if strings.HasPrefix(strings.ToLower(flow.URL), "http://") {
		finding("HTTP (unencrypted) response", ledger.SeverityLow, "")
	}
	for _, name := range []string{"Server", "X-Powered-By"} {
		if product, version, ok := p.disclosed(headerValue(h, name)); ok {
			finding("Server version disclosure", ledger.SeverityLow, fmt.Sprintf("%s: %s %s", name, product, version))
		}
	}
}

func (p *passiveHeaders) disclosed(v string) (product, version string, ok bool) {
	if v == "" {
		return "", "", false
	}
	m, err := p.version.FindStringMatch(v)
	if err != nil || m == nil {
		return "", "", false
	}
	return m.GroupByName("product").String(), m.GroupByName("version").String(), true
}

// headerValue looks a header up regardless of key canonicalization, since
// rewritten response headers carry lower-cased names.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

type notFound struct{}

func (notFound) ID() string { return NotFoundID }

func (notFound) OnRequest(context.Context, *ledger.Flow, Sink) {}

func (notFound) OnResponse(ctx context.Context, flow ledger.Flow, sink Sink) {
	if flow.ResponseStatus == nil || *flow.ResponseStatus != http.StatusNotFound {
		return
	}
	report(ctx, sink, ledger.Finding{
		Type:     ledger.FindingPassive,
		Title:    "404 Not Found detected",
		Severity: ledger.SeverityInfo,
		URL:      flow.URL,
		FlowID:   flow.ID,
		Plugin:   NotFoundID,
	})
}
