package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

const handshakeTimeout = 10 * time.Second

// MiddleMan terminates client TLS inside CONNECT tunnels with leaf certificates
// signed by the root CA.
type MiddleMan struct {
	CertManager        *CertManager
	HostnameFilter     *HostnameFilter
	InsecureSkipVerify bool
}

func NewMiddleMan(certManager *CertManager, hostnameFilter *HostnameFilter, insecureSkipVerify bool) *MiddleMan {
	return &MiddleMan{
		CertManager:        certManager,
		HostnameFilter:     hostnameFilter,
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// ShouldIntercept reports whether a CONNECT to host:port is terminated rather than
// tunnelled untouched. A nil MiddleMan intercepts nothing.
func (m *MiddleMan) ShouldIntercept(host, port string) bool {
	if m == nil {
		return false
	}
	return m.HostnameFilter.Allow(host, port)
}

// Terminate performs the server side of the client's TLS handshake on conn. The
// certificate follows the client's SNI, falling back to the CONNECT host. r, when
// non-nil, holds bytes the client already sent after the CONNECT request.
func (m *MiddleMan) Terminate(ctx context.Context, conn net.Conn, r *bufio.Reader, connectHost string) (*tls.Conn, error) {
	if r != nil && r.Buffered() > 0 {
		conn = newBufferedConn(conn, r)
	}
	tlsConn := tls.Server(conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = connectHost
			}
			return m.CertManager.GetCertificateForHost(name)
		},
		NextProtos: []string{"http/1.1"},
	})

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, fmt.Errorf("client TLS handshake for %s: %w", connectHost, err)
	}
	return tlsConn, nil
}

// UpstreamTLSConfig is used for the separate TLS connection toward the origin.
func (m *MiddleMan) UpstreamTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: m.InsecureSkipVerify,
		NextProtos:         []string{"http/1.1"},
	}
}

// bufferedConn replays bytes already buffered by a bufio.Reader before reading
// from the underlying connection.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func newBufferedConn(conn net.Conn, reader *bufio.Reader) *bufferedConn {
	return &bufferedConn{
		Conn:   conn,
		reader: reader,
	}
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	return bc.reader.Read(b)
}
