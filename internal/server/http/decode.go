package http

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// previewBody returns at most limit bytes of body decoded according to
// encoding. Unknown or stacked encodings, and bodies that fail to decode, are
// returned as received.
func previewBody(encoding string, body []byte, limit int) string {
	raw := func() string {
		if len(body) > limit {
			return string(body[:limit])
		}
		return string(body)
	}
	if len(body) == 0 {
		return ""
	}

	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return raw()
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Most servers send zlib-wrapped data, some send raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		d, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return raw()
		}
		defer d.Close()
		r = d
	default:
		return raw()
	}

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil && len(out) == 0 {
		return raw()
	}
	return string(out)
}
