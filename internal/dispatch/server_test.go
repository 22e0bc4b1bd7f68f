package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
	"github.com/dss-project/dss/internal/signaling"
	"github.com/dss-project/dss/internal/wire"
)

// testServer spins up a dispatcher on a loopback listener and returns a
// dialer for connecting fresh clients to it.
func testServer(t *testing.T, cfg Config) (dial func() net.Conn, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reg := registry.New(registry.Config{})
	limiter := ratelimit.New(nil)
	hub := signaling.NewHub()
	srv := NewServer(cfg, reg, limiter, hub)

	go srv.Serve(ln)

	dial = func() net.Conn {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return c
	}
	shutdown = func() {
		srv.Shutdown()
		limiter.Stop()
		ln.Close()
	}
	return dial, shutdown
}

func roundTrip(t *testing.T, conn net.Conn, pt wire.PacketType, payload []byte) (wire.PacketType, []byte) {
	t.Helper()
	if err := wire.WriteFrame(conn, pt, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	gotType, gotPayload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return gotType, gotPayload
}

func TestSessionCreateThenLookup(t *testing.T) {
	dial, shutdown := testServer(t, Config{})
	defer shutdown()

	conn := dial()
	defer conn.Close()

	createReq := &wire.SessionCreateRequest{
		Capabilities:    1,
		MaxParticipants: 4,
		SessionType:     wire.SessionTypeWebRTC,
	}
	payload, err := createReq.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	gotType, gotPayload := roundTrip(t, conn, wire.TypeSessionCreate, payload)
	if gotType != wire.TypeSessionCreated {
		t.Fatalf("got type %d, want SESSION_CREATED", gotType)
	}
	var created wire.SessionCreatedReply
	if err := created.UnmarshalBinary(gotPayload); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if created.SessionString == "" {
		t.Fatal("expected a generated session string")
	}

	lookupConn := dial()
	defer lookupConn.Close()
	lookupReq := &wire.SessionLookupRequest{SessionString: created.SessionString}
	lookupPayload, _ := lookupReq.MarshalBinary()
	gotType, gotPayload = roundTrip(t, lookupConn, wire.TypeSessionLookup, lookupPayload)
	if gotType != wire.TypeSessionInfo {
		t.Fatalf("got type %d, want SESSION_INFO", gotType)
	}
	var info wire.SessionInfoReply
	if err := info.UnmarshalBinary(gotPayload); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if !info.Found {
		t.Error("expected session to be found")
	}
	if info.SessionType != wire.SessionTypeWebRTC {
		t.Errorf("session type = %d, want WEBRTC", info.SessionType)
	}
}

func TestSessionJoinRelaysSDPBetweenParticipants(t *testing.T) {
	dial, shutdown := testServer(t, Config{})
	defer shutdown()

	hostConn := dial()
	defer hostConn.Close()
	createReq := &wire.SessionCreateRequest{MaxParticipants: 4, SessionType: wire.SessionTypeWebRTC}
	payload, _ := createReq.MarshalBinary()
	_, createdPayload := roundTrip(t, hostConn, wire.TypeSessionCreate, payload)
	var created wire.SessionCreatedReply
	created.UnmarshalBinary(createdPayload)

	joinHost := &wire.SessionJoinRequest{SessionString: created.SessionString}
	joinPayload, _ := joinHost.MarshalBinary()
	_, joinedPayload := roundTrip(t, hostConn, wire.TypeSessionJoin, joinPayload)
	var hostJoined wire.SessionJoinedReply
	hostJoined.UnmarshalBinary(joinedPayload)

	peerConn := dial()
	defer peerConn.Close()
	joinPeer := &wire.SessionJoinRequest{SessionString: created.SessionString}
	joinPeerPayload, _ := joinPeer.MarshalBinary()
	_, joinedPeerPayload := roundTrip(t, peerConn, wire.TypeSessionJoin, joinPeerPayload)
	var peerJoined wire.SessionJoinedReply
	peerJoined.UnmarshalBinary(joinedPeerPayload)

	sdp := &wire.WebRTCSDP{
		SessionID:   hostJoined.SessionID,
		SenderID:    hostJoined.ParticipantID,
		RecipientID: peerJoined.ParticipantID,
		SDPType:     wire.SDPTypeOffer,
		SDP:         "v=0...",
	}
	sdpPayload, _ := sdp.MarshalBinary()
	if err := wire.WriteFrame(hostConn, wire.TypeWebRTCSDP, sdpPayload); err != nil {
		t.Fatalf("write sdp: %v", err)
	}

	peerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	gotType, gotPayload, err := wire.ReadFrame(peerConn)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if gotType != wire.TypeWebRTCSDP {
		t.Fatalf("got type %d, want WEBRTC_SDP", gotType)
	}
	var gotSDP wire.WebRTCSDP
	if err := gotSDP.UnmarshalBinary(gotPayload); err != nil {
		t.Fatalf("unmarshal sdp: %v", err)
	}
	if gotSDP.SDP != "v=0..." {
		t.Errorf("sdp = %q, want v=0...", gotSDP.SDP)
	}
}

func TestDiscoveryPingPong(t *testing.T) {
	dial, shutdown := testServer(t, Config{})
	defer shutdown()

	conn := dial()
	defer conn.Close()
	gotType, _ := roundTrip(t, conn, wire.TypeDiscoveryPing, nil)
	if gotType != wire.TypeDiscoveryPong {
		t.Fatalf("got type %d, want DISCOVERY_PONG", gotType)
	}
}

func TestUnknownPacketTypeReturnsError(t *testing.T) {
	dial, shutdown := testServer(t, Config{})
	defer shutdown()

	conn := dial()
	defer conn.Close()
	gotType, gotPayload := roundTrip(t, conn, wire.PacketType(9999), nil)
	if gotType != wire.TypeError {
		t.Fatalf("got type %d, want ERROR", gotType)
	}
	var errReply wire.ErrorReply
	if err := errReply.UnmarshalBinary(gotPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errReply.Code != wire.ErrCodeUnknownPacket {
		t.Errorf("code = %d, want UNKNOWN_PACKET", errReply.Code)
	}
}

func TestSessionJoinFailsWhenAlreadyJoined(t *testing.T) {
	dial, shutdown := testServer(t, Config{})
	defer shutdown()

	conn := dial()
	defer conn.Close()
	createReq := &wire.SessionCreateRequest{MaxParticipants: 4, SessionType: wire.SessionTypeWebRTC}
	payload, _ := createReq.MarshalBinary()
	_, createdPayload := roundTrip(t, conn, wire.TypeSessionCreate, payload)
	var created wire.SessionCreatedReply
	created.UnmarshalBinary(createdPayload)

	joinReq := &wire.SessionJoinRequest{SessionString: created.SessionString}
	joinPayload, _ := joinReq.MarshalBinary()
	gotType, _ := roundTrip(t, conn, wire.TypeSessionJoin, joinPayload)
	if gotType != wire.TypeSessionJoined {
		t.Fatalf("first join: got type %d, want SESSION_JOINED", gotType)
	}

	gotType, gotPayload := roundTrip(t, conn, wire.TypeSessionJoin, joinPayload)
	if gotType != wire.TypeError {
		t.Fatalf("second join: got type %d, want ERROR", gotType)
	}
	var errReply wire.ErrorReply
	errReply.UnmarshalBinary(gotPayload)
	if errReply.Code != wire.ErrCodeInvalidParam {
		t.Errorf("code = %d, want INVALID_PARAM", errReply.Code)
	}
}

func TestShutdownBroadcastsErrorBeforeClosing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reg := registry.New(registry.Config{})
	limiter := ratelimit.New(nil)
	defer limiter.Stop()
	hub := signaling.NewHub()
	srv := NewServer(Config{}, reg, limiter, hub)
	go srv.Serve(ln)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	srv.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	gotType, gotPayload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("expected the shutdown error frame before the connection closes, got: %v", err)
	}
	if gotType != wire.TypeError {
		t.Fatalf("got type %d, want ERROR", gotType)
	}
	var errReply wire.ErrorReply
	if err := errReply.UnmarshalBinary(gotPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errReply.Code != wire.ErrCodeInternal {
		t.Errorf("code = %d, want INTERNAL", errReply.Code)
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	dial, shutdown := testServer(t, Config{IdleTimeout: 50 * time.Millisecond})
	defer shutdown()

	conn := dial()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected read to fail once the idle connection is closed server-side")
	}
}
