package http

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Hop-by-hop headers, removed before a message is forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHop deletes hop-by-hop headers, including those named in Connection,
// regardless of key casing.
func removeHopByHop(h http.Header) {
	for _, v := range headerValues(h, "Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = textproto.TrimString(f); f != "" && httpguts.ValidHeaderFieldName(f) {
				delHeader(h, f)
			}
		}
	}
	for _, name := range hopHeaders {
		delHeader(h, name)
	}
}

func delHeader(h http.Header, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

func headerValues(h http.Header, name string) []string {
	var out []string
	for k, vs := range h {
		if strings.EqualFold(k, name) {
			out = append(out, vs...)
		}
	}
	return out
}

func headerValue(h http.Header, name string) string {
	if vs := headerValues(h, name); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// isPreflight reports whether r is a CORS preflight request.
func isPreflight(method string, h http.Header) bool {
	return method == http.MethodOptions && headerValue(h, "Access-Control-Request-Method") != ""
}
