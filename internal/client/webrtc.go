package client

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dss-project/dss/internal/wire"
)

// negotiator drives one peer connection's SDP/ICE handshake through the DSS
// relay (spec §4.8's "WebRTC branch"). Adapted from the teacher's
// PeerManager (internal/webrtc/peer.go), which did the analogous offer/
// answer dance for a browser-originated session: that version waited for
// ICE-gathering to complete before sending one SDP blob, since the browser
// side spoke non-trickle ICE. The DSS wire protocol has a standalone
// WEBRTC_ICE packet, so here candidates are sent as they trickle in instead.
type negotiator struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	sendSDP    func(sdpType wire.SDPType, sdp string) error
	sendICE    func(candidate, mid string) error
	onDC       func(*webrtc.DataChannel)
	onFailed   func(error)
	onGathered chan struct{}
}

func newNegotiator(iceServers []webrtc.ICEServer, sendSDP func(wire.SDPType, string) error, sendICE func(string, string) error) (*negotiator, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	n := &negotiator{pc: pc, sendSDP: sendSDP, sendICE: sendICE}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		_ = n.sendICE(init.Candidate, mid)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if n.onDC != nil {
			n.onDC(dc)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed && n.onFailed != nil {
			n.onFailed(fmt.Errorf("peer connection failed"))
		}
	})
	return n, nil
}

// offer creates the host side's offer and a data channel, sending the offer
// over the relay once it is set as the local description.
func (n *negotiator) offer(label string) (*webrtc.DataChannel, error) {
	dc, err := n.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := n.sendSDP(wire.SDPTypeOffer, offer.SDP); err != nil {
		return nil, err
	}
	return dc, nil
}

// handleRemoteSDP applies a peer's offer or answer. An incoming offer
// produces and sends an answer; an incoming answer simply completes the
// negotiation.
func (n *negotiator) handleRemoteSDP(sdpType wire.SDPType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch sdpType {
	case wire.SDPTypeOffer:
		desc.Type = webrtc.SDPTypeOffer
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return n.sendSDP(wire.SDPTypeAnswer, answer.SDP)
	case wire.SDPTypeAnswer:
		desc.Type = webrtc.SDPTypeAnswer
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown sdp type %d", sdpType)
	}
}

func (n *negotiator) handleRemoteICE(candidate, mid string) error {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != "" {
		init.SDPMid = &mid
	}
	return n.pc.AddICECandidate(init)
}

// connected reports whether the underlying peer connection has reached the
// "connected" ICE/DTLS state.
func (n *negotiator) connected() bool {
	return n.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (n *negotiator) close() error {
	return n.pc.Close()
}

// toICEServers converts the DSS's configured STUN/TURN list, plus any
// per-join TURN credential, into pion's ICEServer shape.
func toICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}}
}
