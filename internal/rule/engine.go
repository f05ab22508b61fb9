package rule

import (
	"maps"
	"net/http"
	"slices"
	"strings"
)

const (
	headerCSP = "content-security-policy"
	headerXFO = "x-frame-options"
)

// Match returns, in order, the rules that apply to host and path.
func Match(rules []Rule, host, path string) []Rule {
	var matched []Rule
	for i := range rules {
		if rules[i].Matches(host, path) {
			matched = append(matched, rules[i])
		}
	}
	return matched
}

// Apply rewrites response headers with the actions of every enabled rule, in order.
// The input is never modified. When no enabled rule is given the result is a plain
// copy; otherwise all header names in the result are lower-cased.
func Apply(headers http.Header, rules []Rule) http.Header {
	active := rules[:0:0]
	for _, r := range rules {
		if r.Enabled {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		if headers == nil {
			return http.Header{}
		}
		return headers.Clone()
	}

	out := make(http.Header, len(headers))
	for k, vs := range headers {
		lk := strings.ToLower(k)
		out[lk] = append(out[lk], vs...)
	}

	for _, r := range active {
		a := r.Actions
		if a.StripCSP {
			delete(out, headerCSP)
		}
		if a.StripXFO {
			delete(out, headerXFO)
		}
		if a.InjectCSP != "" {
			out[headerCSP] = []string{a.InjectCSP}
		}
		for _, name := range a.RemoveHeaders {
			delete(out, strings.ToLower(name))
		}
		for _, name := range slices.Sorted(maps.Keys(a.AddHeaders)) {
			out[strings.ToLower(name)] = []string{a.AddHeaders[name]}
		}
	}
	return out
}
