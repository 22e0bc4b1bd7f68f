package client

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dss-project/dss/internal/wire"
)

type sdpMsg struct {
	sdpType wire.SDPType
	sdp     string
}

type iceMsg struct {
	candidate, mid string
}

// TestNegotiatorAnswererReceivesDataChannel drives a real offer/answer/ICE
// exchange between two negotiators over loopback, standing in for the
// relay that normally carries WEBRTC_SDP/WEBRTC_ICE frames between two
// connected clients. It asserts that the answerer's onDC hook fires with
// the host's data channel, which is what lets a non-host client's
// pingHost probe the session over WebRTC (spec §4.8).
func TestNegotiatorAnswererReceivesDataChannel(t *testing.T) {
	hostSDP := make(chan sdpMsg, 4)
	answererSDP := make(chan sdpMsg, 4)
	hostICE := make(chan iceMsg, 16)
	answererICE := make(chan iceMsg, 16)

	host, err := newNegotiator(nil,
		func(t wire.SDPType, sdp string) error {
			hostSDP <- sdpMsg{t, sdp}
			return nil
		},
		func(candidate, mid string) error {
			hostICE <- iceMsg{candidate, mid}
			return nil
		})
	if err != nil {
		t.Fatalf("new host negotiator: %v", err)
	}
	defer host.close()

	answerer, err := newNegotiator(nil,
		func(t wire.SDPType, sdp string) error {
			answererSDP <- sdpMsg{t, sdp}
			return nil
		},
		func(candidate, mid string) error {
			answererICE <- iceMsg{candidate, mid}
			return nil
		})
	if err != nil {
		t.Fatalf("new answerer negotiator: %v", err)
	}
	defer answerer.close()

	received := make(chan *webrtc.DataChannel, 1)
	answerer.onDC = func(dc *webrtc.DataChannel) {
		select {
		case received <- dc:
		default:
		}
	}

	if _, err := host.offer("dss-session"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !host.connected() || !answerer.connected() {
		select {
		case m := <-hostSDP:
			if err := answerer.handleRemoteSDP(m.sdpType, m.sdp); err != nil {
				t.Fatalf("answerer handle sdp: %v", err)
			}
		case m := <-answererSDP:
			if err := host.handleRemoteSDP(m.sdpType, m.sdp); err != nil {
				t.Fatalf("host handle sdp: %v", err)
			}
		case m := <-hostICE:
			_ = answerer.handleRemoteICE(m.candidate, m.mid)
		case m := <-answererICE:
			_ = host.handleRemoteICE(m.candidate, m.mid)
		case <-deadline:
			t.Fatal("timed out waiting for the peer connections to connect")
		}
	}

	select {
	case dc := <-received:
		if dc == nil {
			t.Fatal("expected a non-nil data channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected onDC to fire for the answerer once the host's channel opened")
	}
}
