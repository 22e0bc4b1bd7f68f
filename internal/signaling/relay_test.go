package signaling

import (
	"errors"
	"testing"

	"github.com/dss-project/dss/internal/wire"
)

func pid(b byte) wire.ParticipantID {
	var p wire.ParticipantID
	p[0] = b
	return p
}

func TestForwardToSpecificRecipient(t *testing.T) {
	h := NewHub()
	var sessionID wire.SessionID
	a := h.Register(sessionID, pid(1), nil, nil)
	_ = a
	h.Register(sessionID, pid(2), nil, nil)

	if err := h.Forward(sessionID, pid(1), pid(2), []byte("hello")); err != nil {
		t.Fatalf("forward: %v", err)
	}
	select {
	case got := <-h.peer(sessionID, pid(2)).Send:
		if string(got) != "hello" {
			t.Errorf("got %q, want hello", got)
		}
	default:
		t.Fatal("expected frame delivered to recipient")
	}
}

func TestForwardBroadcastExcludesSender(t *testing.T) {
	h := NewHub()
	var sessionID wire.SessionID
	h.Register(sessionID, pid(1), nil, nil)
	h.Register(sessionID, pid(2), nil, nil)
	h.Register(sessionID, pid(3), nil, nil)

	var zero wire.ParticipantID
	if err := h.Forward(sessionID, pid(1), zero, []byte("x")); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(h.peer(sessionID, pid(1)).Send) != 0 {
		t.Error("expected sender to not receive its own broadcast")
	}
	if len(h.peer(sessionID, pid(2)).Send) != 1 {
		t.Error("expected peer 2 to receive the broadcast")
	}
	if len(h.peer(sessionID, pid(3)).Send) != 1 {
		t.Error("expected peer 3 to receive the broadcast")
	}
}

func TestForwardMissingRecipientReturnsProtocolError(t *testing.T) {
	h := NewHub()
	var sessionID wire.SessionID
	h.Register(sessionID, pid(1), nil, nil)

	err := h.Forward(sessionID, pid(1), pid(99), []byte("x"))
	if !errors.Is(err, wire.ErrProtocol) {
		t.Errorf("expected a protocol error, got %v", err)
	}
}

func TestOverflowTearsDownOnlyRecipient(t *testing.T) {
	h := NewHub()
	var sessionID wire.SessionID
	overflowed := false
	recipient := h.Register(sessionID, pid(2), nil, func() { overflowed = true })
	h.Register(sessionID, pid(1), nil, func() { t.Error("sender should never overflow") })

	for i := 0; i < sendBufferSize+1; i++ {
		if err := h.Forward(sessionID, pid(1), pid(2), []byte{byte(i)}); err != nil {
			t.Fatalf("forward %d: %v", i, err)
		}
	}
	if !overflowed {
		t.Error("expected recipient overflow callback to fire")
	}
	_ = recipient
}

func TestUnregisterRemovesEmptySession(t *testing.T) {
	h := NewHub()
	var sessionID wire.SessionID
	h.Register(sessionID, pid(1), nil, nil)
	h.Unregister(sessionID, pid(1))

	if h.ParticipantCount(sessionID) != 0 {
		t.Error("expected session to be empty after unregister")
	}
	h.mu.RLock()
	_, exists := h.sessions[sessionID]
	h.mu.RUnlock()
	if exists {
		t.Error("expected empty session map entry to be removed")
	}
}
