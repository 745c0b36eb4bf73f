// Package relay is the secure WebSocket server the browser talks to: it
// binds the TLS listener, admits whitelisted origins and runs one
// connection actor per browser page.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"golang.org/x/sync/errgroup"

	"toolkit/desktopserver/pkg/certs"
	"toolkit/desktopserver/pkg/dispatch"
	"toolkit/desktopserver/pkg/logging"
	"toolkit/desktopserver/pkg/origin"
	"toolkit/desktopserver/pkg/portcheck"
	"toolkit/desktopserver/pkg/status"
)

// RejectedOriginMessage is the body of the 403 sent to refused origins.
const RejectedOriginMessage = "Domain origin was rejected by server."

const maxMessageBytes = 64 << 20

// Config is what Start needs to bring the listeners up.
type Config struct {
	// Host to bind; empty binds every interface.
	Host       string
	Port       int
	StatusPort int // 0 disables the status channel
	Whitelist  origin.Whitelist
	Certs      certs.Provider
	// LowLevelDebug logs every HTTP request and every frame.
	LowLevelDebug bool
}

// Observer receives connection level events, for metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed(code status.Code)
	OriginRejected()
	HandshakeFailed(code status.Code)
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened()            {}
func (noopObserver) ConnectionClosed(status.Code) {}
func (noopObserver) OriginRejected()              {}
func (noopObserver) HandshakeFailed(status.Code)  {}

// Option configures a Server.
type Option func(*Server)

// WithObserver reports connection events to o.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.obs = o
		}
	}
}

// Server owns the secure listener and, optionally, the status channel.
type Server struct {
	cfg           Config
	dispatcher    *dispatch.Dispatcher
	state         *status.State
	obs           Observer
	lowLevelDebug bool
	upgrader      websocket.Upgrader

	mu        sync.Mutex
	running   bool
	ln        net.Listener
	httpSrv   *http.Server
	statusSrv *status.Server
	group     *errgroup.Group
	conns     map[*conn]struct{}

	// ctx is handed to command workers and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	// handlers counts tracked connection goroutines; workers counts
	// command runs. Workers are only added from a tracked handler.
	handlers sync.WaitGroup
	workers  sync.WaitGroup
}

// NewServer returns a stopped server.
func NewServer(cfg Config, d *dispatch.Dispatcher, state *status.State, opts ...Option) *Server {
	if state == nil {
		state = status.NewState()
	}
	s := &Server{
		cfg:           cfg,
		dispatcher:    d,
		state:         state,
		obs:           noopObserver{},
		lowLevelDebug: cfg.LowLevelDebug,
		conns:         make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      func(r *http.Request) bool { return s.cfg.Whitelist.Allows(r.Header.Get("Origin")) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the shared diagnostic status.
func (s *Server) State() *status.State { return s.state }

// Running reports whether Start succeeded and Stop was not called since.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the secure listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// StatusAddr returns the status channel address, or nil when disabled or
// stopped.
func (s *Server) StatusAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusSrv == nil {
		return nil
	}
	return s.statusSrv.Addr()
}

// Start checks the certificate, binds both listeners and begins serving in
// the background. Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.cfg.Certs == nil {
		return &BrowserIntegrationError{Msg: "no certificate provider configured"}
	}
	for _, path := range []string{s.cfg.Certs.CertPath(), s.cfg.Certs.KeyPath()} {
		if st, err := os.Stat(path); err != nil || st.IsDir() {
			return &MissingCertificateError{Path: path}
		}
	}
	pair, err := certs.Load(s.cfg.Certs)
	if err != nil {
		return &BrowserIntegrationError{Msg: "could not load certificate", Err: err}
	}

	ln, err := s.listen(s.cfg.Port)
	if err != nil {
		return err
	}
	var statusSrv *status.Server
	if s.cfg.StatusPort > 0 {
		statusSrv = status.NewServer(net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.StatusPort)), s.state)
		if err := statusSrv.Listen(); err != nil {
			_ = ln.Close()
			return s.bindError(s.cfg.StatusPort, err)
		}
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
	s.ln = &tlsListener{Listener: ln, config: tlsCfg, onHandshake: s.handshakeDone}

	var h http.Handler = http.HandlerFunc(s.handleWS)
	if s.cfg.LowLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.httpSrv = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logging.Writer("[WSS] http: "), "", 0),
	}
	s.statusSrv = statusSrv
	s.ctx, s.cancel = context.WithCancel(context.Background())

	g := new(errgroup.Group)
	httpSrv, secureLn := s.httpSrv, s.ln
	g.Go(func() error {
		if err := httpSrv.Serve(secureLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("secure listener: %w", err)
		}
		return nil
	})
	if statusSrv != nil {
		g.Go(statusSrv.Serve)
	}
	s.group = g
	s.running = true
	log.Printf("[WSS] listening on wss://%s (whitelist %v)", ln.Addr(), s.cfg.Whitelist.Patterns())
	return nil
}

func (s *Server) listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, s.bindError(port, err)
	}
	return ln, nil
}

func (s *Server) bindError(port int, err error) error {
	if !portcheck.IsAddrInUse(err) {
		return &BrowserIntegrationError{Msg: fmt.Sprintf("could not listen on port %d", port), Err: err}
	}
	pbe := &PortBusyError{Port: port, Err: err}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if p, ok := portcheck.Owner(ctx, port); ok {
		pbe.Owner = &p
	}
	return pbe
}

// Stop closes the listeners and every open connection, then waits for
// the connection goroutines, the serving goroutines and the command
// workers. Nothing touches the status or the observer once it returns.
// Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpSrv, statusSrv, g, cancel := s.httpSrv, s.statusSrv, s.group, s.cancel
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	// Shutdown does not touch hijacked connections; close them ourselves.
	err := httpSrv.Shutdown(ctx)
	for _, c := range conns {
		c.shutdown()
	}
	s.handlers.Wait()
	if statusSrv != nil {
		if cerr := statusSrv.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	cancel()
	if gerr := g.Wait(); gerr != nil && err == nil {
		err = gerr
	}
	s.workers.Wait()

	s.mu.Lock()
	s.ln, s.httpSrv, s.statusSrv, s.group = nil, nil, nil, nil
	s.mu.Unlock()
	log.Printf("[WSS] stopped")
	return err
}

func (s *Server) handshakeDone(remote net.Addr, err error) {
	if err == nil {
		logging.Debugf("[WSS] TLS handshake with %s complete", remote)
		return
	}
	code := classify(err)
	s.state.Set(code)
	s.obs.HandshakeFailed(code)
	log.Printf("[WSS] TLS handshake with %s failed (%s): %v", remote, code, err)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	org := r.Header.Get("Origin")
	if !s.cfg.Whitelist.Allows(org) {
		log.Printf("[WSS] rejected origin %q from %s", org, r.RemoteAddr)
		s.obs.OriginRejected()
		http.Error(w, RejectedOriginMessage, http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WSS] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	c := newConn(s, ws, org)
	if !s.track(c) {
		c.shutdown()
		return
	}
	defer s.handlers.Done()
	s.obs.ConnectionOpened()
	code := c.serve()
	s.untrack(c)
	s.obs.ConnectionClosed(code)
}

// track registers c with a running server and binds it to the server's
// current worker context. On success the caller owns one handlers slot.
func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[c] = struct{}{}
	c.ctx = s.ctx
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Connections returns the number of OPEN browser connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
