//go:build !unix

package log

import (
	"log/slog"
	"os"
	"runtime"
)

func GetOSInfo() (attrs []any) {
	attrs = append(attrs,
		slog.String("GOOS", runtime.GOOS),
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("Go Version", runtime.Version()),
		slog.Int("pid", os.Getpid()),
	)

	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}
	if v, ok := os.LookupEnv("OS"); ok {
		attrs = append(attrs, slog.String("os_version", v))
	}
	return attrs
}
