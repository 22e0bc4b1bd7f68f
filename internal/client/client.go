package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dss-project/dss/internal/election"
	"github.com/dss-project/dss/internal/identity"
	"github.com/dss-project/dss/internal/wire"
)

// NATQuality is the local NAT descriptor a caller supplies for election
// (spec §4.7); actual detection (STUN probing, bandwidth estimation) is
// outside the discovery client's scope and is the caller's responsibility.
type NATQuality struct {
	HasPublicIP       bool
	NATTypeTier       uint8
	UploadKbps        uint32
	RTTMs             uint32
	DetectionComplete bool
}

// Config bounds one discovery session attempt (spec §4.8).
type Config struct {
	ServerAddr    string
	DialTimeout   time.Duration // CONNECTING_ACDS hard cap, default 10s
	SessionString string        // empty means create a new session

	Identity         ed25519.PrivateKey // nil disables identity signing
	Capabilities     uint32
	MaxParticipants  uint8
	SessionType      wire.SessionType
	Password         string
	HasPassword      bool
	ExposeIPPublicly bool

	LocalAddress string // this process's claimed reachable address, used when hosting DIRECT_TCP
	LocalPort    uint16
	LocalQuality NATQuality

	PreferWebRTC            bool
	WebRTCReconnectAttempts int
	ICEGatherTimeout        time.Duration // default 20s
	MigrationTimeout        time.Duration // default 30s

	ICEServerURLs []string
	OnStateChange func(State)
	ShouldExit    func() bool // polled at least every 100ms (spec §5)
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

func (c Config) iceGatherTimeout() time.Duration {
	if c.ICEGatherTimeout > 0 {
		return c.ICEGatherTimeout
	}
	return 20 * time.Second
}

func (c Config) migrationTimeout() time.Duration {
	if c.MigrationTimeout > 0 {
		return c.MigrationTimeout
	}
	return 30 * time.Second
}

func (c Config) webrtcReconnectAttempts() int {
	if c.WebRTCReconnectAttempts > 0 {
		return c.WebRTCReconnectAttempts
	}
	return 5
}

func (c Config) shouldExit() bool {
	return c.ShouldExit != nil && c.ShouldExit()
}

// frame is one decoded packet read off the ACDS connection.
type frame struct {
	pt      wire.PacketType
	payload []byte
}

// Client runs one discovery session's state machine end to end: connect,
// create-or-join, negotiate a host, and drive the resulting transport to
// ACTIVE, then supervise it until it ends or fails.
type Client struct {
	cfg  Config
	conn net.Conn

	mu            sync.Mutex
	state         State
	sessionID     wire.SessionID
	sessionString string
	participantID wire.ParticipantID
	peerID        wire.ParticipantID
	isHost        bool
	futureHost    *wire.FutureHostElected
	hostAddr      string
	hostPort      uint16
	turnUsername  string
	turnPassword  string

	recv    chan frame
	readErr chan error
	dc      *webrtc.DataChannel
	neg     *negotiator
}

// New creates a Client ready to Run.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, state: StateInit, recv: make(chan frame, 32), readErr: make(chan error, 1)}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// State reports the current state machine node.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionString returns the session string assigned by SESSION_CREATED, for
// the caller to hand to other participants out of band. Empty until a
// session has actually been created.
func (c *Client) SessionString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionString
}

// Run drives the full discovery handshake to ACTIVE (or a terminal failure)
// and then supervises the live session until it ends, is migrated away
// from, or the caller's ShouldExit predicate trips.
func (c *Client) Run() error {
	if err := c.connectACDS(); err != nil {
		c.setState(StateFailed)
		return err
	}
	defer c.conn.Close()

	go c.readLoop()

	if c.cfg.SessionString == "" {
		if err := c.createAndWaitForPeer(); err != nil {
			c.setState(StateFailed)
			return err
		}
	} else {
		if err := c.joinSession(); err != nil {
			c.setState(StateFailed)
			return err
		}
	}

	c.setState(StateActive)
	return c.superviseActive()
}

// connectACDS dials the discovery server within the configured hard cap
// (spec §4.8: "tcp connect, non-blocking with exit-poll, 10s hard cap").
func (c *Client) connectACDS() error {
	c.setState(StateConnectingACDS)
	conn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, c.cfg.dialTimeout())
	if err != nil {
		return fmt.Errorf("client: dial discovery server: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *Client) readLoop() {
	for {
		pt, payload, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.readErr <- err
			return
		}
		switch pt {
		case wire.TypeFutureHostElected:
			var fh wire.FutureHostElected
			if fh.UnmarshalBinary(payload) == nil {
				c.mu.Lock()
				c.futureHost = &fh
				c.mu.Unlock()
			}
		}
		select {
		case c.recv <- frame{pt: pt, payload: payload}:
		default:
			// Backlogged consumer — drop rather than block the reader;
			// the caller's own receive loop is expected to keep up.
		}
	}
}

// waitFor blocks until a frame of one of the wanted types arrives, the
// connection errors, or timeout elapses, polling ShouldExit at 100ms
// granularity per spec §5.
func (c *Client) waitFor(timeout time.Duration, wanted ...wire.PacketType) (frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		if c.cfg.shouldExit() {
			return frame{}, fmt.Errorf("client: cancelled")
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frame{}, fmt.Errorf("client: timed out waiting for %v", wanted)
		}
		wait := remaining
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		select {
		case err := <-c.readErr:
			return frame{}, fmt.Errorf("client: connection error: %w", err)
		case f := <-c.recv:
			for _, w := range wanted {
				if f.pt == w {
					return f, nil
				}
			}
			// Not the frame we're waiting for right now; drop it. Broadcast
			// frames unrelated to the current phase (e.g. a stray
			// NETWORK_QUALITY echo) are not meaningful outside their phase.
		case <-time.After(wait):
		}
	}
}

func (c *Client) send(pt wire.PacketType, payload interface{ MarshalBinary() ([]byte, error) }) error {
	b, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, pt, b)
}

func (c *Client) createAndWaitForPeer() error {
	c.setState(StateCreatingSession)
	req := &wire.SessionCreateRequest{
		Capabilities:     c.cfg.Capabilities,
		MaxParticipants:  c.cfg.MaxParticipants,
		SessionType:      c.cfg.SessionType,
		HasPassword:      c.cfg.HasPassword,
		ServerAddress:    c.cfg.LocalAddress,
		ServerPort:       c.cfg.LocalPort,
		ExposeIPPublicly: c.cfg.ExposeIPPublicly,
	}
	if c.cfg.HasPassword {
		hash, err := identity.HashPassword(c.cfg.Password)
		if err != nil {
			return fmt.Errorf("client: hash session password: %w", err)
		}
		req.PasswordHash = hash
	}
	if c.cfg.Identity != nil {
		req.Timestamp = uint64(time.Now().UnixMilli())
		copy(req.Identity[:], c.cfg.Identity.Public().(ed25519.PublicKey))
		copy(req.Signature[:], identity.SignSessionCreate(c.cfg.Identity, req.Timestamp, req.Capabilities, req.MaxParticipants))
	}
	if err := c.send(wire.TypeSessionCreate, req); err != nil {
		return err
	}
	f, err := c.waitFor(c.cfg.dialTimeout(), wire.TypeSessionCreated, wire.TypeError)
	if err != nil {
		return err
	}
	if f.pt == wire.TypeError {
		return wireError(f.payload)
	}
	var created wire.SessionCreatedReply
	if err := created.UnmarshalBinary(f.payload); err != nil {
		return err
	}
	c.sessionID = created.SessionID
	c.sessionString = created.SessionString

	// SESSION_CREATE only allocates the session; the creator still joins it
	// like any other participant to obtain a participant id and register
	// with the relay.
	joined, err := c.performJoin(created.SessionString, c.cfg.Password)
	if err != nil {
		return err
	}
	c.participantID = joined.ParticipantID
	c.turnUsername = joined.TurnUsername
	c.turnPassword = joined.TurnPassword

	c.setState(StateWaitingPeer)
	peerQuality, peerID, err := c.waitForPeerQuality()
	if err != nil {
		return err
	}
	c.peerID = peerID
	c.setState(StateNegotiating)
	if err := c.sendLocalQuality(); err != nil {
		return err
	}
	return c.runElection(peerQuality, peerID)
}

func (c *Client) joinSession() error {
	c.setState(StateJoiningSession)
	joined, err := c.performJoin(c.cfg.SessionString, c.cfg.Password)
	if err != nil {
		return err
	}
	c.sessionID = joined.SessionID
	c.participantID = joined.ParticipantID
	c.turnUsername = joined.TurnUsername
	c.turnPassword = joined.TurnPassword

	if joined.ServerAddress != "" {
		// An established host already exists (spec §4.8: "if SESSION_JOINED
		// carries host addr"); skip election entirely.
		c.hostAddr, c.hostPort = joined.ServerAddress, joined.ServerPort
		c.isHost = false
		c.setState(StateConnectingHost)
		return c.connectToHost()
	}

	c.setState(StateNegotiating)
	if err := c.sendLocalQuality(); err != nil {
		return err
	}
	peerQuality, peerID, err := c.waitForPeerQuality()
	if err != nil {
		return err
	}
	c.peerID = peerID
	return c.runElection(peerQuality, peerID)
}

// performJoin sends SESSION_JOIN for sessionString and returns the decoded
// reply. Used both for a freshly created session (the creator joining its
// own session) and for joining an existing one by string.
func (c *Client) performJoin(sessionString, password string) (wire.SessionJoinedReply, error) {
	req := &wire.SessionJoinRequest{
		SessionString: sessionString,
		HasPassword:   password != "",
		Password:      password,
	}
	if c.cfg.Identity != nil {
		req.Timestamp = uint64(time.Now().UnixMilli())
		copy(req.Identity[:], c.cfg.Identity.Public().(ed25519.PublicKey))
		copy(req.Signature[:], identity.SignSessionJoin(c.cfg.Identity, req.Timestamp, sessionString))
	}
	if err := c.send(wire.TypeSessionJoin, req); err != nil {
		return wire.SessionJoinedReply{}, err
	}
	f, err := c.waitFor(c.cfg.dialTimeout(), wire.TypeSessionJoined, wire.TypeError)
	if err != nil {
		return wire.SessionJoinedReply{}, err
	}
	if f.pt == wire.TypeError {
		return wire.SessionJoinedReply{}, wireError(f.payload)
	}
	var joined wire.SessionJoinedReply
	if err := joined.UnmarshalBinary(f.payload); err != nil {
		return wire.SessionJoinedReply{}, err
	}
	return joined, nil
}

func (c *Client) sendLocalQuality() error {
	q := c.cfg.LocalQuality
	return c.send(wire.TypeNetworkQuality, &wire.NetworkQuality{
		SessionID:         c.sessionID,
		ParticipantID:     c.participantID,
		HasPublicIP:       q.HasPublicIP,
		NATTypeTier:       q.NATTypeTier,
		UploadKbps:        q.UploadKbps,
		RTTMs:             q.RTTMs,
		DetectionComplete: q.DetectionComplete,
	})
}

func (c *Client) waitForPeerQuality() (NATQuality, wire.ParticipantID, error) {
	f, err := c.waitFor(c.cfg.dialTimeout(), wire.TypeNetworkQuality, wire.TypeError)
	if err != nil {
		return NATQuality{}, wire.ParticipantID{}, err
	}
	if f.pt == wire.TypeError {
		return NATQuality{}, wire.ParticipantID{}, wireError(f.payload)
	}
	var nq wire.NetworkQuality
	if err := nq.UnmarshalBinary(f.payload); err != nil {
		return NATQuality{}, wire.ParticipantID{}, err
	}
	return NATQuality{
		HasPublicIP:       nq.HasPublicIP,
		NATTypeTier:       nq.NATTypeTier,
		UploadKbps:        nq.UploadKbps,
		RTTMs:             nq.RTTMs,
		DetectionComplete: nq.DetectionComplete,
	}, nq.ParticipantID, nil
}

// runElection applies spec §4.7's deterministic tie-breaking between this
// client and the one peer it just exchanged quality with.
func (c *Client) runElection(peer NATQuality, peerID wire.ParticipantID) error {
	winner, ok := election.Elect([]election.Candidate{
		{ParticipantID: c.participantID, NATTier: c.cfg.LocalQuality.NATTypeTier, UploadKbps: c.cfg.LocalQuality.UploadKbps, RTTMs: c.cfg.LocalQuality.RTTMs},
		{ParticipantID: peerID, NATTier: peer.NATTypeTier, UploadKbps: peer.UploadKbps, RTTMs: peer.RTTMs},
	})
	if !ok {
		return fmt.Errorf("client: election produced no winner")
	}
	c.isHost = winner.ParticipantID == c.participantID
	if c.isHost {
		c.setState(StateStartingHost)
		return c.becomeHost()
	}
	c.setState(StateConnectingHost)
	if err := c.awaitHostAnnouncement(); err != nil {
		return err
	}
	return c.connectToHost()
}

// awaitHostAnnouncement waits for the elected host's HOST_ANNOUNCEMENT
// broadcast, which carries the reachable address a direct-TCP peer dials
// (a WebRTC peer doesn't need the address, but still waits for the
// announcement as the host-is-ready signal).
func (c *Client) awaitHostAnnouncement() error {
	f, err := c.waitFor(c.cfg.dialTimeout(), wire.TypeHostAnnouncement, wire.TypeError)
	if err != nil {
		return err
	}
	if f.pt == wire.TypeError {
		return wireError(f.payload)
	}
	var ann wire.HostAnnouncement
	if err := ann.UnmarshalBinary(f.payload); err != nil {
		return err
	}
	c.hostAddr, c.hostPort = ann.HostAddress, ann.HostPort
	return nil
}

// becomeHost announces itself as host and, for WebRTC sessions, offers the
// data channel the peer will answer.
func (c *Client) becomeHost() error {
	if err := c.send(wire.TypeHostAnnouncement, &wire.HostAnnouncement{
		SessionID:      c.sessionID,
		HostID:         c.participantID,
		HostAddress:    c.cfg.LocalAddress,
		HostPort:       c.cfg.LocalPort,
		ConnectionType: c.cfg.SessionType,
	}); err != nil {
		return err
	}
	if c.cfg.SessionType == wire.SessionTypeWebRTC {
		return c.negotiateWebRTC(true)
	}
	return nil
}

func (c *Client) connectToHost() error {
	if c.cfg.SessionType == wire.SessionTypeWebRTC {
		return c.negotiateWebRTC(false)
	}
	return c.dialDirectHost()
}

func (c *Client) dialDirectHost() error {
	addr := net.JoinHostPort(c.hostAddr, fmt.Sprintf("%d", c.hostPort))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.dialTimeout())
	if err != nil {
		return fmt.Errorf("client: dial host: %w", err)
	}
	conn.Close() // handshake proof only — the application layer owns the live socket
	return nil
}

// negotiateWebRTC drives the full offer/answer/ICE exchange for the role
// this client holds, retrying with exponential backoff on an ICE-gathering
// timeout (spec §4.8).
func (c *Client) negotiateWebRTC(asHost bool) error {
	backoff := NewBackoff()
	for attempt := 0; attempt < c.cfg.webrtcReconnectAttempts(); attempt++ {
		err := c.negotiateWebRTCOnce(asHost)
		if err == nil {
			return nil
		}
		delay := backoff.Next()
		if !c.sleepOrExit(delay) {
			return fmt.Errorf("client: cancelled during webrtc retry")
		}
	}
	return fmt.Errorf("client: webrtc exhausted %d reconnect attempts, no TCP fallback", c.cfg.webrtcReconnectAttempts())
}

func (c *Client) negotiateWebRTCOnce(asHost bool) error {
	iceServers := toICEServers(c.cfg.ICEServerURLs, c.turnUsername, c.turnPassword)
	neg, err := newNegotiator(iceServers,
		func(t wire.SDPType, sdp string) error {
			return c.send(wire.TypeWebRTCSDP, &wire.WebRTCSDP{
				SessionID: c.sessionID, SenderID: c.participantID, RecipientID: c.peerID, SDPType: t, SDP: sdp,
			})
		},
		func(candidate, mid string) error {
			return c.send(wire.TypeWebRTCICE, &wire.WebRTCICE{
				SessionID: c.sessionID, SenderID: c.participantID, RecipientID: c.peerID, Candidate: candidate, Mid: mid,
			})
		})
	if err != nil {
		return err
	}
	c.neg = neg
	defer func() {
		if !neg.connected() {
			neg.close()
		}
	}()

	if asHost {
		dc, err := neg.offer("dss-session")
		if err != nil {
			return err
		}
		c.dc = dc
	} else {
		// The answerer receives its data channel asynchronously once the
		// host's offer is applied; capture it so pingHost has a transport
		// to probe during ACTIVE-state liveness checks (spec §4.8).
		neg.onDC = func(dc *webrtc.DataChannel) {
			c.dc = dc
		}
	}

	deadline := time.Now().Add(c.cfg.iceGatherTimeout())
	for !neg.connected() {
		if time.Now().After(deadline) {
			return fmt.Errorf("client: ice gathering timed out")
		}
		f, err := c.waitFor(100*time.Millisecond, wire.TypeWebRTCSDP, wire.TypeWebRTCICE)
		if err != nil {
			continue // timeout on this 100ms slice, keep polling until deadline
		}
		switch f.pt {
		case wire.TypeWebRTCSDP:
			var sdp wire.WebRTCSDP
			if err := sdp.UnmarshalBinary(f.payload); err != nil {
				continue
			}
			if err := neg.handleRemoteSDP(sdp.SDPType, sdp.SDP); err != nil {
				return err
			}
		case wire.TypeWebRTCICE:
			var ice wire.WebRTCICE
			if err := ice.UnmarshalBinary(f.payload); err != nil {
				continue
			}
			if err := neg.handleRemoteICE(ice.Candidate, ice.Mid); err != nil {
				return err
			}
		}
	}
	return nil
}

// superviseActive runs the ACTIVE-state liveness prober (for non-hosts) and
// blocks until the session ends, fails, or migrates.
func (c *Client) superviseActive() error {
	if c.isHost {
		<-c.doneOrExit()
		return nil
	}

	dead := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	p := newProber(c.pingHost, func() { close(dead) })
	go p.run(ctx)

	select {
	case <-dead:
		cancel()
		return c.migrate()
	case <-c.doneOrExit():
		cancel()
		return nil
	}
}

// pingHost probes the live transport: a DataChannel send for WebRTC, a
// fresh TCP dial for direct sessions (the discovery client never holds the
// long-lived application socket itself).
func (c *Client) pingHost(ctx context.Context) error {
	if c.neg != nil && c.dc != nil {
		return c.dc.SendText("ping")
	}
	if c.cfg.SessionType == wire.SessionTypeDirectTCP {
		return c.dialDirectHost()
	}
	return nil
}

func (c *Client) doneOrExit() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			if c.cfg.shouldExit() {
				close(ch)
				return
			}
			select {
			case err := <-c.readErr:
				_ = err
				close(ch)
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	return ch
}

// migrate handles a tripped liveness prober (spec §4.8's MIGRATING branch):
// become host immediately if pre-elected, otherwise reconnect to whoever
// was.
func (c *Client) migrate() error {
	c.setState(StateMigrating)
	_ = c.send(wire.TypeHostLost, &wire.HostLost{
		SessionID:     c.sessionID,
		ParticipantID: c.participantID,
		LastHostID:    c.peerID,
		Timestamp:     uint64(time.Now().UnixMilli()),
	})

	c.mu.Lock()
	fh := c.futureHost
	c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.migrationTimeout())
	if fh != nil && fh.FutureHostID == c.participantID {
		c.setState(StateBecomeHost)
		if err := c.becomeHost(); err != nil {
			return err
		}
	} else if fh != nil {
		c.isHost = false
		c.setState(StateConnectingHost)
		if err := c.awaitHostAnnouncement(); err != nil {
			return err
		}
		if err := c.connectToHost(); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("client: host lost with no pre-elected successor")
	}

	if time.Now().After(deadline) {
		c.setState(StateFailed)
		return fmt.Errorf("client: migration did not reach ACTIVE within %s", c.cfg.migrationTimeout())
	}
	c.setState(StateActive)
	return c.superviseActive()
}

func (c *Client) sleepOrExit(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if c.cfg.shouldExit() {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true
}

func wireError(payload []byte) error {
	var e wire.ErrorReply
	if err := e.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("client: malformed error reply")
	}
	return fmt.Errorf("client: server error %d: %s", e.Code, e.Message)
}
