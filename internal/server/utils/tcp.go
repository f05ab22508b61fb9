package utils

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seclab/seclab/internal/log"
)

const copyBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// Dialer opens outbound TCP connections with a connect timeout.
type Dialer struct {
	Timeout time.Duration
}

// DialContext dials the target address and returns the connection.
func (d Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	slog.Debug("Connecting", slog.String("addr", addr))
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	slog.Debug("Connected", slog.String("addr", addr))
	return conn, nil
}

// Connect dials addr over TCP.
func Connect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	return Dialer{Timeout: timeout}.DialContext(ctx, "tcp", addr)
}

// CopyHalf copies from src to dst and half-closes both sides when done.
func CopyHalf(dst, src net.Conn) {
	defer func() {
		// Prefer TCP half-close to allow the opposite direction to drain.
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = dst.Close()
		}
		if tc, ok := src.(*net.TCPConn); ok {
			_ = tc.CloseRead()
		} else {
			_ = src.Close()
		}
		log.LogDebugWithAddr(src.RemoteAddr().String(), dst.RemoteAddr().String(), "Connections half-closed")
	}()
	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)
	_, _ = io.CopyBuffer(dst, src, *buf)
}

// Tunnel relays bytes in both directions until both halves finish, then closes
// both connections. head is written to target first; it holds client bytes
// already consumed from a buffered reader.
func Tunnel(client, target net.Conn, head []byte) {
	if len(head) > 0 {
		if _, err := target.Write(head); err != nil {
			_ = client.Close()
			_ = target.Close()
			return
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		CopyHalf(client, target)
	}()
	go func() {
		defer wg.Done()
		CopyHalf(target, client)
	}()
	wg.Wait()
	_ = client.Close()
	_ = target.Close()
}
