package relay

import (
	"crypto/tls"
	"net"
	"sync"
)

// tlsListener wraps accepted sockets in TLS and reports the outcome of
// every handshake. The handshake itself runs lazily on the connection's
// own goroutine, so Accept never blocks on a slow client.
type tlsListener struct {
	net.Listener
	config      *tls.Config
	onHandshake func(remote net.Addr, err error)
}

func (l *tlsListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &handshakeConn{Conn: tls.Server(c, l.config), report: l.onHandshake}, nil
}

// handshakeConn completes the TLS handshake on first use and hands the
// result to report exactly once.
type handshakeConn struct {
	*tls.Conn
	once   sync.Once
	err    error
	report func(remote net.Addr, err error)
}

func (c *handshakeConn) handshake() error {
	c.once.Do(func() {
		c.err = c.Conn.Handshake()
		if c.report != nil {
			c.report(c.RemoteAddr(), c.err)
		}
	})
	return c.err
}

func (c *handshakeConn) Read(b []byte) (int, error) {
	if err := c.handshake(); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *handshakeConn) Write(b []byte) (int, error) {
	if err := c.handshake(); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
