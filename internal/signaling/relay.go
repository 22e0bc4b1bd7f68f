// Package signaling implements the DSS's frame relay (spec §4.6): routing
// WEBRTC_SDP/WEBRTC_ICE and other in-session broadcast frames between
// connected participants without parsing their payloads. Grounded on the
// teacher's SessionManager (internal/relay/sessions.go) — per-connection
// buffered send channels, non-blocking enqueue, torn down on overflow —
// generalized from a per-user fan-out to a per-(session, participant) one.
package signaling

import (
	"fmt"
	"sync"

	"github.com/dss-project/dss/internal/wire"
)

// ErrNoRecipient is returned when a targeted frame names a participant that
// is not currently connected (spec §4.6, §4.10: "relay with no live
// recipient returns PROTOCOL to the sender").
var ErrNoRecipient = fmt.Errorf("signaling: %w", wire.ErrProtocol)

// sendBufferSize bounds each peer's outbound queue before it is considered
// overflowing (spec §5: "a full write buffer causes the recipient
// connection to be torn down, not the sender").
const sendBufferSize = 64

// Peer is one connected, joined participant's outbound frame queue.
type Peer struct {
	ParticipantID wire.ParticipantID
	Send          chan []byte
	onOverflow    func()
}

// zeroParticipantID is the "broadcast to everyone in the session" sentinel
// (spec §4.6).
var zeroParticipantID wire.ParticipantID

// Hub tracks connected peers per session and relays frames between them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[wire.SessionID]map[wire.ParticipantID]*Peer
}

// NewHub creates an empty relay hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[wire.SessionID]map[wire.ParticipantID]*Peer)}
}

// Register adds a peer to a session's relay set, delivering onto send (the
// connection's own outbound queue, so a single writer pump drains both
// direct replies and relayed frames). onOverflow is invoked from the
// delivering goroutine each time a delivery finds send full — the caller
// should tear down that connection in response. If send is nil, a fresh buffered channel of
// sendBufferSize is created.
func (h *Hub) Register(sessionID wire.SessionID, participantID wire.ParticipantID, send chan []byte, onOverflow func()) *Peer {
	if send == nil {
		send = make(chan []byte, sendBufferSize)
	}
	p := &Peer{
		ParticipantID: participantID,
		Send:          send,
		onOverflow:    onOverflow,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.sessions[sessionID]
	if !ok {
		peers = make(map[wire.ParticipantID]*Peer)
		h.sessions[sessionID] = peers
	}
	peers[participantID] = p
	return p
}

// Unregister removes a peer from a session's relay set.
func (h *Hub) Unregister(sessionID wire.SessionID, participantID wire.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(peers, participantID)
	if len(peers) == 0 {
		delete(h.sessions, sessionID)
	}
}

func (h *Hub) peersSnapshot(sessionID wire.SessionID) []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := h.sessions[sessionID]
	out := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return out
}

func (h *Hub) peer(sessionID wire.SessionID, participantID wire.ParticipantID) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := h.sessions[sessionID]
	if peers == nil {
		return nil
	}
	return peers[participantID]
}

func (p *Peer) deliver(frame []byte) {
	select {
	case p.Send <- frame:
	default:
		if p.onOverflow != nil {
			p.onOverflow()
		}
	}
}

// Forward routes frame (the raw, already-encoded wire frame) from sender to
// recipientID within sessionID. An all-zero recipientID broadcasts to every
// other joined participant in the session. Returns ErrNoRecipient if a
// targeted recipient isn't connected.
func (h *Hub) Forward(sessionID wire.SessionID, senderID, recipientID wire.ParticipantID, frame []byte) error {
	if recipientID == zeroParticipantID {
		for _, p := range h.peersSnapshot(sessionID) {
			if p.ParticipantID == senderID {
				continue
			}
			p.deliver(frame)
		}
		return nil
	}

	p := h.peer(sessionID, recipientID)
	if p == nil {
		return ErrNoRecipient
	}
	p.deliver(frame)
	return nil
}

// BroadcastExcept sends frame to every joined participant in sessionID
// except exclude (spec §4.5's NETWORK_QUALITY/FUTURE_HOST_ELECTED "broadcast
// to other participants").
func (h *Hub) BroadcastExcept(sessionID wire.SessionID, exclude wire.ParticipantID, frame []byte) {
	for _, p := range h.peersSnapshot(sessionID) {
		if p.ParticipantID == exclude {
			continue
		}
		p.deliver(frame)
	}
}

// BroadcastAll sends frame to every joined participant in sessionID,
// including the sender, e.g. FUTURE_HOST_ELECTED.
func (h *Hub) BroadcastAll(sessionID wire.SessionID, frame []byte) {
	h.BroadcastExcept(sessionID, zeroParticipantID, frame)
}

// ParticipantCount reports how many peers are currently registered for a
// session — test/diagnostic use.
func (h *Hub) ParticipantCount(sessionID wire.SessionID) int {
	return len(h.peersSnapshot(sessionID))
}
