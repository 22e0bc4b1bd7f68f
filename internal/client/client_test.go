package client

import (
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dss-project/dss/internal/dispatch"
	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
	"github.com/dss-project/dss/internal/signaling"
)

// testACDS spins up a real discovery server on a loopback listener, mirroring
// dispatch's own testServer helper.
func testACDS(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reg := registry.New(registry.Config{})
	limiter := ratelimit.New(nil)
	hub := signaling.NewHub()
	srv := dispatch.NewServer(dispatch.Config{}, reg, limiter, hub)
	go srv.Serve(ln)
	return ln.Addr().String(), func() {
		srv.Shutdown()
		limiter.Stop()
		ln.Close()
	}
}

// stubHostListener accepts and immediately drops connections, standing in
// for the application-level direct-TCP transport the discovery client only
// proves reachability for.
func stubHostListener(t *testing.T) (port uint16, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse listener port: %v", err)
	}
	return uint16(p), func() {
		ln.Close()
	}
}

func waitForState(t *testing.T, states <-chan State, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func stateChan(c *Client) <-chan State {
	ch := make(chan State, 64)
	c.cfg.OnStateChange = func(s State) {
		select {
		case ch <- s:
		default:
		}
	}
	return ch
}

func TestDirectTCPHostAndPeerReachActive(t *testing.T) {
	addr, shutdownACDS := testACDS(t)
	defer shutdownACDS()

	hostPort, stopListener := stubHostListener(t)
	defer stopListener()

	var hostExit, peerExit atomic.Bool

	host := New(Config{
		ServerAddr:   addr,
		SessionType:  0, // SessionTypeDirectTCP
		LocalAddress: "127.0.0.1",
		LocalPort:    hostPort,
		LocalQuality: NATQuality{NATTypeTier: 0, UploadKbps: 10000, DetectionComplete: true},
		ShouldExit:   hostExit.Load,
	})
	hostStates := stateChan(host)

	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Run() }()

	waitForState(t, hostStates, StateWaitingPeer, 2*time.Second)
	sessionString := host.SessionString()
	if sessionString == "" {
		t.Fatal("expected a non-empty session string once waiting for a peer")
	}

	peer := New(Config{
		ServerAddr:    addr,
		SessionString: sessionString,
		SessionType:   0,
		LocalQuality:  NATQuality{NATTypeTier: 1, UploadKbps: 1000, DetectionComplete: true},
		ShouldExit:    peerExit.Load,
	})
	peerStates := stateChan(peer)

	peerDone := make(chan error, 1)
	go func() { peerDone <- peer.Run() }()

	waitForState(t, hostStates, StateActive, 2*time.Second)
	waitForState(t, peerStates, StateActive, 2*time.Second)

	if !host.isHost {
		t.Error("expected the lower NAT tier participant to win host election")
	}
	if peer.isHost {
		t.Error("expected the peer to lose host election")
	}

	peerExit.Store(true)
	hostExit.Store(true)

	select {
	case err := <-peerDone:
		if err != nil {
			t.Errorf("peer.Run() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer did not exit after ShouldExit tripped")
	}
	select {
	case err := <-hostDone:
		if err != nil {
			t.Errorf("host.Run() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host did not exit after ShouldExit tripped")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := &Backoff{Base: 100 * time.Millisecond, Max: 400 * time.Millisecond}
	for i := 0; i < 10; i++ {
		d := b.Next()
		if d > 400*time.Millisecond+time.Second {
			t.Fatalf("attempt %d: delay %s exceeds max+jitter bound", i, d)
		}
	}
	if b.Attempt() != 10 {
		t.Errorf("attempt count = %d, want 10", b.Attempt())
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	for s := StateInit; s <= StateFailed; s++ {
		if s.String() == "UNKNOWN" {
			t.Errorf("state %d has no String() case", s)
		}
	}
}
