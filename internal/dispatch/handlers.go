package dispatch

import (
	"time"

	"github.com/dss-project/dss/internal/identity"
	"github.com/dss-project/dss/internal/logger"
	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
	"github.com/dss-project/dss/internal/wire"
)

// dispatch is the fixed handler table of spec §4.5: switch on the frame's
// type and call its handler. Unknown types get an ERROR frame with
// UNKNOWN_PACKET rather than being silently dropped.
func (c *conn) dispatch(pt wire.PacketType, payload []byte) {
	switch pt {
	case wire.TypeSessionCreate:
		c.handleSessionCreate(payload)
	case wire.TypeSessionLookup:
		c.handleSessionLookup(payload)
	case wire.TypeSessionJoin:
		c.handleSessionJoin(payload)
	case wire.TypeSessionLeave:
		c.handleSessionLeave(payload)
	case wire.TypeWebRTCSDP:
		c.handleWebRTCSDP(payload)
	case wire.TypeWebRTCICE:
		c.handleWebRTCICE(payload)
	case wire.TypeNetworkQuality:
		c.handleNetworkQuality(payload)
	case wire.TypeHostLost:
		c.handleHostLost(payload)
	case wire.TypeHostAnnouncement:
		c.handleHostAnnouncement(payload)
	case wire.TypeFutureHostElected:
		c.handleFutureHostElected(payload)
	case wire.TypeDiscoveryPing:
		c.handleDiscoveryPing(payload)
	case wire.TypeAdminDeleteSession:
		c.handleAdminDeleteSession(payload)
	default:
		c.replyError(wire.ErrCodeUnknownPacket, "unknown packet type")
	}
}

// rateLimited checks the class's token bucket for the connection's source
// IP, replying RATE_LIMITED and returning true if it is exhausted.
func (c *conn) rateLimited(class ratelimit.Class) bool {
	if c.srv.limiter == nil {
		return false
	}
	if c.srv.limiter.Allow(c.clientIP(), class) {
		return false
	}
	c.replyError(wire.ErrCodeRateLimited, "rate limit exceeded")
	return true
}

func (c *conn) handleSessionCreate(payload []byte) {
	if c.rateLimited(ratelimit.ClassSessionCreate) {
		return
	}
	var req wire.SessionCreateRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed SESSION_CREATE")
		return
	}

	if c.srv.cfg.IdentityPolicy.RequireServerIdentity {
		err := identity.VerifySessionCreate(identityPublicKey(req.Identity), req.Timestamp,
			req.Capabilities, req.MaxParticipants, req.Signature[:], time.Now(), c.srv.cfg.ReplayWindow)
		if err != nil {
			c.replyError(wire.ErrCodeCrypto, "identity verification failed")
			return
		}
	}

	if req.SessionType == wire.SessionTypeDirectTCP && req.ServerAddress != c.clientIP() {
		c.replyError(wire.ErrCodeInvalidParam, "server_address must match connection source")
		return
	}

	sess, err := c.srv.registry.Create(registry.CreateRequest{
		HostIdentity:          req.Identity,
		Capabilities:          req.Capabilities,
		MaxParticipants:       req.MaxParticipants,
		SessionType:           req.SessionType,
		PasswordHash:          req.PasswordHash,
		ExposeIPPublicly:      req.ExposeIPPublicly,
		ServerAddress:         req.ServerAddress,
		ServerPort:            req.ServerPort,
		ReservedSessionString: req.ReservedSessionString,
	})
	if err != nil {
		c.replyRegistryError(err)
		return
	}

	stunCount, turnCount := countICEServers(c.srv.cfg.ICEServers)
	c.reply(wire.TypeSessionCreated, &wire.SessionCreatedReply{
		SessionID:     sess.ID,
		SessionString: sess.SessionString,
		ExpiresAtMs:   uint64(sess.ExpiresAtMs),
		StunCount:     stunCount,
		TurnCount:     turnCount,
	})
	c.setState(stateAuthenticated)
}

func (c *conn) handleSessionLookup(payload []byte) {
	if c.rateLimited(ratelimit.ClassSessionLookup) {
		return
	}
	var req wire.SessionLookupRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed SESSION_LOOKUP")
		return
	}

	result := c.srv.registry.Lookup(req.SessionString)
	c.reply(wire.TypeSessionInfo, &wire.SessionInfoReply{
		Found:               result.Found,
		HasPassword:         result.HasPassword,
		SessionType:         result.SessionType,
		MaxParticipants:     result.MaxParticipants,
		CurrentParticipants: result.CurrentParticipants,
	})
}

func (c *conn) handleSessionJoin(payload []byte) {
	if c.getState() == stateJoined {
		c.replyError(wire.ErrCodeInvalidParam, "connection has already joined a session")
		return
	}
	if c.rateLimited(ratelimit.ClassSessionJoin) {
		return
	}
	var req wire.SessionJoinRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed SESSION_JOIN")
		return
	}

	if c.srv.cfg.IdentityPolicy.RequireClientIdentity {
		err := identity.VerifySessionJoin(identityPublicKey(req.Identity), req.Timestamp,
			req.SessionString, req.Signature[:], time.Now(), c.srv.cfg.ReplayWindow)
		if err != nil {
			c.replyError(wire.ErrCodeCrypto, "identity verification failed")
			return
		}
	}

	result, err := c.srv.registry.Join(registry.JoinRequest{
		Identity:      req.Identity,
		SessionString: req.SessionString,
		Password:      req.Password,
	})
	if err != nil {
		c.replyRegistryError(err)
		return
	}
	sess := result.Session

	// Invariant 5: address/port only go out when the host opted in or the
	// session is password-protected (already-authorized joiners).
	var serverAddress string
	var serverPort uint16
	if sess.ExposeIPPublicly() || sess.HasPassword() {
		serverAddress, serverPort = sess.HostAddress()
	}

	var turnUsername, turnPassword string
	if sess.SessionType() == wire.SessionTypeWebRTC && c.srv.cfg.TURNSecret != "" {
		turnUsername, turnPassword = generateTURNCredential(c.srv.cfg.TURNSecret, req.SessionString, c.srv.cfg.TURNTTL)
	}

	c.reply(wire.TypeSessionJoined, &wire.SessionJoinedReply{
		ParticipantID: result.ParticipantID,
		SessionID:     sess.ID,
		ServerAddress: serverAddress,
		ServerPort:    serverPort,
		SessionType:   sess.SessionType(),
		TurnUsername:  turnUsername,
		TurnPassword:  turnPassword,
	})

	c.mu.Lock()
	c.sessionID = sess.ID
	c.participantID = result.ParticipantID
	c.peer = c.srv.hub.Register(sess.ID, result.ParticipantID, c.send, func() {
		c.closeConn(wire.ErrProtocol)
	})
	c.mu.Unlock()
	c.setState(stateJoined)
}

func (c *conn) handleSessionLeave(payload []byte) {
	var req wire.SessionLeaveRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed SESSION_LEAVE")
		return
	}
	if err := c.srv.registry.Leave(req.SessionID, req.ParticipantID); err != nil {
		c.replyRegistryError(err)
		return
	}
	c.srv.hub.Unregister(req.SessionID, req.ParticipantID)
}

func (c *conn) handleWebRTCSDP(payload []byte) {
	var req wire.WebRTCSDP
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed WEBRTC_SDP")
		return
	}
	c.relay(wire.TypeWebRTCSDP, payload, req.SessionID, req.SenderID, req.RecipientID)
}

func (c *conn) handleWebRTCICE(payload []byte) {
	var req wire.WebRTCICE
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed WEBRTC_ICE")
		return
	}
	c.relay(wire.TypeWebRTCICE, payload, req.SessionID, req.SenderID, req.RecipientID)
}

// relay forwards an already-decoded payload verbatim to its recipient(s)
// (spec §4.6), rebuilding only the outer frame. Replies PROTOCOL to the
// sender if a targeted recipient isn't connected (spec §4.10).
func (c *conn) relay(pt wire.PacketType, payload []byte, sessionID wire.SessionID, senderID, recipientID wire.ParticipantID) {
	frame, err := wire.EncodeFrame(pt, payload)
	if err != nil {
		c.replyError(wire.ErrCodeInternal, "encode failed")
		return
	}
	if err := c.srv.hub.Forward(sessionID, senderID, recipientID, frame); err != nil {
		c.replyError(wire.ErrCodeProtocol, "no live recipient")
	}
}

func (c *conn) handleNetworkQuality(payload []byte) {
	var req wire.NetworkQuality
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed NETWORK_QUALITY")
		return
	}
	err := c.srv.registry.UpdateQuality(req.SessionID, req.ParticipantID, registry.Quality{
		NATTier:    req.NATTypeTier,
		UploadKbps: req.UploadKbps,
		RTTMs:      req.RTTMs,
	})
	if err != nil {
		logger.Debug("dispatch: record network quality failed", "err", err)
	}
	frame, err := wire.EncodeFrame(wire.TypeNetworkQuality, payload)
	if err != nil {
		c.replyError(wire.ErrCodeInternal, "encode failed")
		return
	}
	c.srv.hub.BroadcastExcept(req.SessionID, req.ParticipantID, frame)
}

func (c *conn) handleHostLost(payload []byte) {
	var req wire.HostLost
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed HOST_LOST")
		return
	}
	if err := c.srv.registry.ClearHost(req.SessionID); err != nil {
		logger.Debug("dispatch: clear host on HOST_LOST failed", "err", err)
		return
	}
	if err := c.srv.registry.StartMigration(req.SessionID); err != nil {
		logger.Debug("dispatch: start migration on HOST_LOST failed", "err", err)
		return
	}
	frame, err := wire.EncodeFrame(wire.TypeHostLost, payload)
	if err != nil {
		return
	}
	c.srv.hub.BroadcastExcept(req.SessionID, req.ParticipantID, frame)
}

func (c *conn) handleHostAnnouncement(payload []byte) {
	var req wire.HostAnnouncement
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed HOST_ANNOUNCEMENT")
		return
	}
	if err := c.srv.registry.UpdateHost(req.SessionID, req.HostID, req.HostAddress, req.HostPort, req.ConnectionType); err != nil {
		c.replyRegistryError(err)
		return
	}
	frame, err := wire.EncodeFrame(wire.TypeHostAnnouncement, payload)
	if err != nil {
		return
	}
	c.srv.hub.BroadcastExcept(req.SessionID, req.HostID, frame)
}

func (c *conn) handleFutureHostElected(payload []byte) {
	var req wire.FutureHostElected
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed FUTURE_HOST_ELECTED")
		return
	}
	err := c.srv.registry.SetFutureHost(req.SessionID, registry.FutureHost{
		ElectedRound:   req.Round,
		HostID:         req.FutureHostID,
		HostAddress:    req.FutureHostAddress,
		HostPort:       req.FutureHostPort,
		ConnectionType: req.FutureHostConnectionType,
	})
	if err != nil {
		logger.Debug("dispatch: record future host failed", "err", err)
		return
	}
	frame, err := wire.EncodeFrame(wire.TypeFutureHostElected, payload)
	if err != nil {
		return
	}
	c.srv.hub.BroadcastAll(req.SessionID, frame)
}

// pongPayload is DISCOVERY_PONG's empty body.
type pongPayload struct{}

func (pongPayload) MarshalBinary() ([]byte, error) { return nil, nil }

func (c *conn) handleDiscoveryPing(payload []byte) {
	c.reply(wire.TypeDiscoveryPong, pongPayload{})
}

// handleAdminDeleteSession evicts a session out-of-band of the normal
// lifecycle (spec §3's "explicit administrative deletion"), gated by a
// shared token rather than the per-participant identity scheme since the
// caller is an operator, not a session member.
func (c *conn) handleAdminDeleteSession(payload []byte) {
	var req wire.AdminDeleteSessionRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		c.replyError(wire.ErrCodeProtocol, "malformed ADMIN_DELETE_SESSION")
		return
	}
	if c.srv.cfg.AdminToken == "" || req.Token != c.srv.cfg.AdminToken {
		c.replyError(wire.ErrCodeCrypto, "invalid admin token")
		return
	}
	var deleted bool
	if sess := c.srv.registry.FindByString(req.SessionString); sess != nil {
		deleted = c.srv.registry.AdminDelete(sess.ID) == nil
	}
	c.reply(wire.TypeAdminDeleteSessionAck, &wire.AdminDeleteSessionAck{
		SessionString: req.SessionString,
		Deleted:       deleted,
	})
}

// replyRegistryError maps a registry sentinel error onto its wire error code
// (spec §7).
func (c *conn) replyRegistryError(err error) {
	code := wire.ErrCodeInternal
	switch err {
	case registry.ErrAlreadyExists:
		code = wire.ErrCodeAlreadyExists
	case registry.ErrInvalidParam:
		code = wire.ErrCodeInvalidParam
	case registry.ErrCapacity:
		code = wire.ErrCodeOutOfMemory
	case registry.ErrNotFound, registry.ErrNotMember:
		code = wire.ErrCodeNotFound
	case registry.ErrFull:
		code = wire.ErrCodeFull
	case registry.ErrWrongPassword:
		code = wire.ErrCodeWrongPassword
	case registry.ErrPasswordRequired:
		code = wire.ErrCodePasswordRequired
	case registry.ErrOutOfMemory:
		code = wire.ErrCodeOutOfMemory
	}
	c.replyError(code, err.Error())
}
