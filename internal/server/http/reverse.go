package http

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seclab/seclab/internal/ledger"
)

// ReverseProxy fetches the URL named by the url query parameter and answers
// with the origin's response, running the exchange through the same holds,
// rules, recording and plugins as the proxy listeners.
type ReverseProxy struct {
	pipeline *pipeline
}

func NewReverseProxy(timeout time.Duration, deps Deps) *ReverseProxy {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ReverseProxy{pipeline: &pipeline{
		Deps:      deps,
		source:    ledger.SourceReverse,
		transport: newTransport(timeout, nil),
	}}
}

func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeText(w, http.StatusMethodNotAllowed, "Only GET is supported")
		return
	}
	target := r.URL.Query().Get("url")
	if target == "" {
		writeText(w, http.StatusBadRequest, "Missing url param")
		return
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeText(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid url param")
		return
	}
	out.Header = forwardedHeaders(r.Header)
	out.RemoteAddr = r.RemoteAddr
	rp.pipeline.serve(w, out, func() { panic(http.ErrAbortHandler) })
}

// forwardedHeaders copies the caller's headers minus those describing the hop
// to this server. Authorization is dropped since it carries the API secret.
func forwardedHeaders(h http.Header) http.Header {
	out := h.Clone()
	for k := range out {
		if strings.HasPrefix(strings.ToLower(k), "x-forwarded") || strings.EqualFold(k, "X-Real-Ip") {
			delete(out, k)
		}
	}
	delHeader(out, "Host")
	delHeader(out, "Authorization")
	return out
}
