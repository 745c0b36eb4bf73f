package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"toolkit/desktopserver/pkg/dispatch"
	"toolkit/desktopserver/pkg/logging"
	"toolkit/desktopserver/pkg/proto"
	"toolkit/desktopserver/pkg/status"
)

// ConnState is the lifecycle of one browser connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

var errConnClosed = errors.New("connection closed")

const (
	outboxSize   = 32
	writeTimeout = 10 * time.Second
)

// conn is one OPEN browser connection. The net/http goroutine runs the read
// loop, a single writer goroutine owns every socket write, and each request
// runs on its own worker.
type conn struct {
	id     string
	origin string
	ws     *websocket.Conn
	srv    *Server
	// ctx is the worker context of the server run that accepted the conn.
	ctx context.Context

	state     atomic.Int32
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, origin string) *conn {
	return &conn{
		id:     uuid.NewString(),
		origin: origin,
		ws:     ws,
		srv:    srv,
		out:    make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) State() ConnState { return ConnState(c.state.Load()) }

// serve runs until the peer goes away or the server stops. Workers still
// running when it returns have their replies dropped.
func (c *conn) serve() status.Code {
	c.state.Store(int32(StateOpen))
	c.srv.state.Set(status.Connected)
	log.Printf("[WSS] connection %s open from %s (origin %s)", c.id, c.ws.RemoteAddr(), c.origin)

	go c.writeLoop()

	var readErr error
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.handleFrame(mt, data)
	}

	c.close()
	code := classify(readErr)
	c.srv.state.Set(code)
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("[WSS] connection %s closed by peer", c.id)
	} else {
		log.Printf("[WSS] connection %s lost (%s): %v", c.id, code, readErr)
	}
	return code
}

func (c *conn) handleFrame(mt int, data []byte) {
	frame, err := proto.Decode(mt == websocket.BinaryMessage, data)
	if err != nil {
		log.Printf("[WSS] %v", err)
		b, encErr := proto.Encode(proto.FrameErrorEnvelope(err))
		if encErr == nil {
			_ = c.send(b)
		}
		return
	}
	switch frame.Kind {
	case proto.FrameIgnored:
		logging.Debugf("[WSS] connection %s: ignoring binary frame (%d bytes)", c.id, len(data))
	case proto.FrameProbe:
		_ = c.send(proto.ProbeReply())
	case proto.FrameRequest:
		if c.srv.lowLevelDebug {
			log.Printf("[WSS] connection %s received: %s", c.id, data)
		}
		req := frame.Request
		host := dispatch.NewMessageHost(req.ID, c.send)
		c.srv.workers.Add(1)
		go func() {
			defer c.srv.workers.Done()
			c.srv.dispatcher.Dispatch(c.ctx, req, host)
		}()
	}
}

// send queues a frame for the writer. It never blocks past close.
func (c *conn) send(b []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case b := <-c.out:
			if c.srv.lowLevelDebug {
				log.Printf("[WSS] connection %s sending: %s", c.id, b)
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("[WSS] connection %s write failed: %v", c.id, err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close is idempotent and safe from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.ws.Close()
	})
}

// shutdown sends a close frame before dropping the socket.
func (c *conn) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.close()
}
