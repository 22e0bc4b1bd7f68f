package dispatch

import (
	"encoding"
	"net"
	"sync"
	"time"

	"github.com/dss-project/dss/internal/logger"
	"github.com/dss-project/dss/internal/signaling"
	"github.com/dss-project/dss/internal/wire"
)

// state is the per-connection state machine of spec §4.5:
// IDLE → AUTHENTICATED → JOINED → CLOSED.
type state int32

const (
	stateIdle state = iota
	stateAuthenticated
	stateJoined
	stateClosed
)

const outboundBufferSize = 64

// conn is one accepted connection's dispatcher state.
type conn struct {
	srv     *Server
	netConn net.Conn
	send    chan []byte

	mu            sync.Mutex
	state         state
	sessionID     wire.SessionID
	participantID wire.ParticipantID
	peer          *signaling.Peer

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(srv *Server, netConn net.Conn) *conn {
	return &conn{
		srv:     srv,
		netConn: netConn,
		send:    make(chan []byte, outboundBufferSize),
		closed:  make(chan struct{}),
	}
}

func (c *conn) run() {
	defer c.srv.untrack(c)
	defer c.closeConn(nil)

	go c.writeLoop()

	for {
		if c.srv.cfg.IdleTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		}
		pt, payload, err := wire.ReadFrame(c.netConn)
		if err != nil {
			return
		}
		c.dispatch(pt, payload)
		if c.isClosed() {
			return
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if _, err := c.netConn.Write(frame); err != nil {
				c.closeConn(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// reply encodes and enqueues one frame on this connection's own outbound
// queue. Unlike relay deliveries, a reply to the connection's own request
// blocks briefly rather than silently dropping — the writeLoop drains
// continuously, so this only stalls a pathologically slow reader.
func (c *conn) reply(pt wire.PacketType, payload encoding.BinaryMarshaler) {
	b, err := payload.MarshalBinary()
	if err != nil {
		logger.Warn("dispatch: marshal reply failed", "type", pt, "err", err)
		return
	}
	frame, err := wire.EncodeFrame(pt, b)
	if err != nil {
		logger.Warn("dispatch: encode reply failed", "type", pt, "err", err)
		return
	}
	select {
	case c.send <- frame:
	case <-c.closed:
	}
}

func (c *conn) replyError(code wire.ErrorCode, message string) {
	c.reply(wire.TypeError, &wire.ErrorReply{Code: code, Message: message})
}

func (c *conn) getState() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(s state) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *conn) isClosed() bool {
	return c.getState() == stateClosed
}

// clientIP returns the connection's source address in the form a client
// would report as its own server_address on a DIRECT_TCP create: a dual
// stack listener reports an IPv4 peer as an IPv4-mapped IPv6 address
// (e.g. "::ffff:203.0.113.5"), so that form is collapsed back to plain
// IPv4 before comparison (testable property 4).
func (c *conn) clientIP() string {
	host, _, err := net.SplitHostPort(c.netConn.RemoteAddr().String())
	if err != nil {
		host = c.netConn.RemoteAddr().String()
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return host
}

// closeConn tears down a single connection (spec §4.10: "transient I/O
// errors on a participant's connection cause only that connection to be
// torn down"). Safe to call multiple times or concurrently.
func (c *conn) closeConn(cause error) {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.closed)
		c.netConn.Close()

		c.mu.Lock()
		sessionID, participantID, joined := c.sessionID, c.participantID, c.peer != nil
		c.mu.Unlock()
		if joined {
			c.srv.hub.Unregister(sessionID, participantID)
			_ = c.srv.registry.Leave(sessionID, participantID)
		}
		if cause != nil {
			logger.Debug("dispatch: connection closed", "err", cause)
		}
	})
}
