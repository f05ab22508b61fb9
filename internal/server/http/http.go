package http

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/seclab/seclab/internal/ledger"
	"github.com/seclab/seclab/internal/log"
	"github.com/seclab/seclab/internal/mitm"
	"github.com/seclab/seclab/internal/server/utils"
)

const defaultTimeout = 30 * time.Second

type Options struct {
	Addr string
	// MiddleMan enables TLS termination of CONNECT tunnels. Without it CONNECT
	// opens an opaque tunnel.
	MiddleMan *mitm.MiddleMan
	Timeout   time.Duration
	Deps
}

// Server is an HTTP proxy listener. It runs as the forward proxy when no
// MiddleMan is set and as the MITM proxy otherwise.
type Server struct {
	addr     string
	mm       *mitm.MiddleMan
	timeout  time.Duration
	pipeline *pipeline

	ctx        context.Context
	cancel     context.CancelFunc
	ln         net.Listener
	httpServer *http.Server

	mu     sync.Mutex
	tunnel map[net.Conn]struct{}
}

func New(opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	source := ledger.SourceForward
	transport := newTransport(opts.Timeout, nil)
	if opts.MiddleMan != nil {
		source = ledger.SourceMITM
		transport = newTransport(opts.Timeout, opts.MiddleMan.UpstreamTLSConfig())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    opts.Addr,
		mm:      opts.MiddleMan,
		timeout: opts.Timeout,
		pipeline: &pipeline{
			Deps:      opts.Deps,
			source:    source,
			transport: transport,
		},
		ctx:    ctx,
		cancel: cancel,
		tunnel: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Source() ledger.Source {
	return s.pipeline.source
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%s listen failed: %w", s.pipeline.source, err)
	}
	s.ln = ln
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.timeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
	}
	slog.Info("Proxy listening", slog.String("source", string(s.pipeline.source)), slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Proxy server error", slog.String("source", string(s.pipeline.source)), slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	for c := range s.tunnel {
		_ = c.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		s.handleTunneling(w, req)
		return
	}
	if !req.URL.IsAbs() {
		writeText(w, http.StatusBadRequest, "This is a proxy server. Does not respond to non-proxy requests.")
		return
	}
	req.RequestURI = ""
	s.pipeline.serve(w, req, func() { panic(http.ErrAbortHandler) })
}

func (s *Server) handleTunneling(w http.ResponseWriter, req *http.Request) {
	destAddr := req.Host
	host, port, err := net.SplitHostPort(destAddr)
	if err != nil {
		host, port = destAddr, "443"
		destAddr = net.JoinHostPort(host, port)
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeText(w, http.StatusInternalServerError, "Hijacking not supported")
		return
	}
	client, brw, err := hijacker.Hijack()
	if err != nil {
		slog.Warn("Hijack failed", slog.String("remote", req.RemoteAddr), slog.Any("error", err))
		return
	}
	s.track(client, true)
	defer s.track(client, false)

	if s.mm.ShouldIntercept(host, port) {
		log.LogDebugWithAddr(req.RemoteAddr, destAddr, "Terminating TLS")
		if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			_ = client.Close()
			return
		}
		s.serveMITM(client, brw.Reader, host, port)
		return
	}

	log.LogDebugWithAddr(req.RemoteAddr, destAddr, "Opening tunnel")
	target, err := utils.Connect(req.Context(), destAddr, s.timeout)
	if err != nil {
		log.LogWarnWithAddr(req.RemoteAddr, destAddr, fmt.Sprintf("Tunnel connect failed: %v", err))
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		_ = client.Close()
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = client.Close()
		_ = target.Close()
		return
	}
	var head []byte
	if n := brw.Reader.Buffered(); n > 0 {
		head, _ = brw.Reader.Peek(n)
	}
	utils.Tunnel(client, target, head)
}

// serveMITM terminates TLS on conn and runs every request read from the tunnel
// through the pipeline.
func (s *Server) serveMITM(conn net.Conn, r *bufio.Reader, host, port string) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	tlsConn, err := s.mm.Terminate(ctx, conn, r, host)
	if err != nil {
		s.pipeline.Metrics.RecordTLSHandshakeError()
		log.LogWarnWithAddr(conn.RemoteAddr().String(), host, fmt.Sprintf("TLS handshake failed: %v", err))
		_ = conn.Close()
		return
	}
	defer tlsConn.Close()

	authority := host
	if port != "443" {
		authority = net.JoinHostPort(host, port)
	}
	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.LogDebugWithAddr(conn.RemoteAddr().String(), authority, fmt.Sprintf("Tunnel read ended: %v", err))
			}
			return
		}
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			log.LogDebugWithAddr(conn.RemoteAddr().String(), authority, fmt.Sprintf("Tunnel body read failed: %v", err))
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.RemoteAddr = conn.RemoteAddr().String()
		req.RequestURI = ""
		if !req.URL.IsAbs() {
			req.URL.Scheme = "https"
			req.URL.Host = authority
		}

		reqCtx, reqCancel := context.WithCancel(ctx)
		gone := watchClose(reader, reqCancel)
		req = req.WithContext(reqCtx)

		aborted := false
		cw := newConnResponseWriter(tlsConn, req)
		s.pipeline.serve(cw, req, func() { aborted = true })
		if aborted || reqCtx.Err() != nil {
			reqCancel()
			return
		}
		err = cw.flush()
		reqCancel()
		if err != nil || req.Close {
			return
		}
		// The next request may only be read once the watcher has let go of reader.
		if <-gone != nil {
			return
		}
	}
}

// watchClose waits for the client to either send more bytes or close the
// connection, calling cancel on close. The returned channel yields the read
// error, or nil when data is buffered in r for the next request. r must not be
// read elsewhere until the channel yields.
func watchClose(r *bufio.Reader, cancel context.CancelFunc) <-chan error {
	gone := make(chan error, 1)
	go func() {
		_, err := r.Peek(1)
		if err != nil {
			cancel()
		}
		gone <- err
	}()
	return gone
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.tunnel[c] = struct{}{}
	} else {
		delete(s.tunnel, c)
	}
}
