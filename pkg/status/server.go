package status

import (
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	PingRequest   = "ping"
	PingReply     = "acknowledged"
	LastErrorCall = "get_last_error"
)

// Server is the unencrypted status channel. It answers "ping" and
// "get_last_error" text frames; anything else is ignored.
type Server struct {
	addr  string
	state *State

	upgrader websocket.Upgrader

	mu    sync.Mutex
	ln    net.Listener
	srv   *http.Server
	conns map[*websocket.Conn]struct{}
}

// NewServer returns a status channel bound to addr once Listen is called.
func NewServer(addr string, state *State) *Server {
	return &Server{
		addr:  addr,
		state: state,
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			// Any local page or tool may poll health.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Listen binds the listening socket without serving it.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Serve blocks serving the bound listener until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if ln == nil {
		return errors.New("status server not listening")
	}
	log.Printf("[STATUS] listening on ws://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and drops open status connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	// Upgraded connections are hijacked and outlive srv.Close.
	for c := range s.conns {
		_ = c.Close()
	}
	s.srv, s.ln = nil, nil
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[STATUS] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		reply, ok := s.answer(string(data))
		if !ok {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
	}
}

func (s *Server) answer(req string) (string, bool) {
	switch req {
	case PingRequest:
		return PingReply, true
	case LastErrorCall:
		return strconv.Itoa(int(s.state.Get())), true
	default:
		return "", false
	}
}
