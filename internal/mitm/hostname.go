package mitm

import (
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
)

// HostnameEntry is one parsed element of the interception host list.
// Format: [!]domain[:port]
//   - port defaults to 443; port 0 matches every port
//   - domain is a glob (*.example.com, api-?.example.com, [ab].example.com)
//   - a leading ! excludes matching targets even if another entry includes them
type HostnameEntry struct {
	Domain  string
	Port    string
	AllPort bool
	Exclude bool
}

// HostnameFilter decides which CONNECT targets are intercepted. Targets it rejects
// are tunnelled without inspection.
type HostnameFilter struct {
	include []HostnameEntry
	exclude []HostnameEntry
}

// NewHostnameFilter parses a comma-separated host list such as
// "*:0,!*.apple.com:0,!pinned.example.com". An empty list intercepts nothing.
// Entries that fail to parse are logged and skipped.
func NewHostnameFilter(list string) *HostnameFilter {
	f := &HostnameFilter{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry, err := parseHostnameEntry(part)
		if err != nil {
			slog.Error("MITM hostname entry ignored", slog.String("entry", part), slog.Any("error", err))
			continue
		}
		if entry.Exclude {
			f.exclude = append(f.exclude, entry)
		} else {
			f.include = append(f.include, entry)
		}
	}

	if len(f.include) == 0 {
		slog.Warn("MITM hostname list is empty, every CONNECT will be tunnelled")
	} else {
		slog.Info("MITM hostname list configured", slog.Int("include", len(f.include)), slog.Int("exclude", len(f.exclude)))
	}
	return f
}

func parseHostnameEntry(s string) (HostnameEntry, error) {
	entry := HostnameEntry{Port: "443"}
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		entry.Exclude = true
		s = rest
	}

	entry.Domain = s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if port, err := strconv.Atoi(s[i+1:]); err == nil {
			if port < 0 || port > 65535 {
				return entry, fmt.Errorf("port %d out of range (0-65535)", port)
			}
			entry.Domain = s[:i]
			entry.Port = strconv.Itoa(port)
			entry.AllPort = port == 0
		}
	}

	entry.Domain = strings.ToLower(strings.TrimSpace(entry.Domain))
	if entry.Domain == "" {
		return entry, fmt.Errorf("empty domain")
	}
	if _, err := path.Match(entry.Domain, ""); err != nil {
		return entry, fmt.Errorf("bad pattern %q: %w", entry.Domain, err)
	}
	return entry, nil
}

// Allow reports whether host:port is included and not excluded.
func (f *HostnameFilter) Allow(host string, port string) bool {
	if f == nil {
		return false
	}
	host = strings.ToLower(host)
	for i := range f.exclude {
		if f.exclude[i].match(host, port) {
			return false
		}
	}
	for i := range f.include {
		if f.include[i].match(host, port) {
			return true
		}
	}
	return false
}

func (e *HostnameEntry) match(host, port string) bool {
	if !e.AllPort && e.Port != port {
		return false
	}
	ok, _ := path.Match(e.Domain, host)
	return ok
}
