package http

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
)

// connResponseWriter buffers a response for a request read off a terminated
// TLS tunnel and writes it to the connection in one piece.
type connResponseWriter struct {
	conn   net.Conn
	req    *http.Request
	header http.Header
	status int
	body   bytes.Buffer
}

func newConnResponseWriter(conn net.Conn, req *http.Request) *connResponseWriter {
	return &connResponseWriter{conn: conn, req: req, header: make(http.Header)}
}

func (c *connResponseWriter) Header() http.Header {
	return c.header
}

func (c *connResponseWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *connResponseWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

// flush writes the buffered response. Content-Length is always computed from
// the buffered body, except for HEAD where the origin's value is kept.
func (c *connResponseWriter) flush() error {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	length := int64(c.body.Len())
	if c.req.Method == http.MethodHead {
		length, _ = strconv.ParseInt(c.header.Get("Content-Length"), 10, 64)
	}
	resp := &http.Response{
		StatusCode:    c.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       c.req,
		Header:        c.header,
		Body:          io.NopCloser(bytes.NewReader(c.body.Bytes())),
		ContentLength: length,
		Close:         c.req.Close,
	}
	return resp.Write(c.conn)
}
