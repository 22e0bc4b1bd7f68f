// Package dispatch implements the DSS protocol dispatcher (spec §4.5): one
// goroutine per accepted connection, a fixed handler table indexed by
// wire.PacketType, and a per-connection state machine. Grounded on the
// teacher's connection/session shape (internal/relay/sessions.go,
// internal/relay/server.go) generalized from WebSocket+JSON to a raw TCP
// binary frame stream.
package dispatch

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dss-project/dss/internal/config"
	"github.com/dss-project/dss/internal/identity"
	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
	"github.com/dss-project/dss/internal/signaling"
	"github.com/dss-project/dss/internal/wire"
)

// Config bounds a Server's runtime policy.
type Config struct {
	IdentityPolicy identity.Policy
	ReplayWindow   time.Duration
	IdleTimeout    time.Duration
	ICEServers     []config.ICEServer
	TURNSecret     string
	TURNTTL        time.Duration
	AdminToken     string
}

// Server owns the listener, registry, rate limiter, and relay hub for one
// DSS process.
type Server struct {
	cfg      Config
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	hub      *signaling.Hub

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

// NewServer wires a dispatcher around an existing registry, rate limiter,
// and relay hub (each independently constructed and, typically, shared with
// the snapshot/election background tasks).
func NewServer(cfg Config, reg *registry.Registry, limiter *ratelimit.Limiter, hub *signaling.Hub) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		limiter:  limiter,
		hub:      hub,
		conns:    make(map[*conn]struct{}),
	}
}

// Serve accepts connections on ln until it is closed, spawning one
// dispatcher goroutine per connection (spec §5's "one task per connected
// client").
func (s *Server) Serve(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			return err
		}
		c := newConn(s, netConn)
		s.track(c)
		go c.run()
	}
}

func (s *Server) track(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// shutdownDrain bounds how long Shutdown waits for the writeLoop of each
// live connection to flush the ERROR{INTERNAL} frame before closing it.
const shutdownDrain = 200 * time.Millisecond

// Shutdown sends every live connection a best-effort ERROR{INTERNAL,
// "server shutting down"} frame, gives writeLoop a brief window to flush
// it, and then closes every connection, matching the teacher's
// GracefulShutdown broadcast-then-close pattern generalized to a raw TCP
// frame instead of a JSON "relay.restart" message.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.replyError(wire.ErrCodeInternal, "server shutting down")
	}
	if len(conns) > 0 {
		time.Sleep(shutdownDrain)
	}
	for _, c := range conns {
		c.closeConn(fmt.Errorf("server shutting down"))
	}
}

// identityPublicKey adapts a wire.PublicKey into an ed25519.PublicKey view
// for the identity package's verification functions.
func identityPublicKey(pub [32]byte) ed25519.PublicKey {
	return ed25519.PublicKey(pub[:])
}
