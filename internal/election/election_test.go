package election

import (
	"context"
	"testing"
	"time"

	"github.com/dss-project/dss/internal/wire"
)

func id(b byte) wire.ParticipantID {
	var p wire.ParticipantID
	p[0] = b
	return p
}

func TestElectPrefersLowestNATTier(t *testing.T) {
	candidates := []Candidate{
		{ParticipantID: id(1), NATTier: 2, UploadKbps: 9000, RTTMs: 10},
		{ParticipantID: id(2), NATTier: 0, UploadKbps: 100, RTTMs: 200},
	}
	winner, ok := Elect(candidates)
	if !ok {
		t.Fatal("expected a winner")
	}
	if winner.ParticipantID != id(2) {
		t.Errorf("expected lowest NAT tier to win, got %v", winner.ParticipantID)
	}
}

func TestElectBreaksTierTieOnUpload(t *testing.T) {
	candidates := []Candidate{
		{ParticipantID: id(1), NATTier: 1, UploadKbps: 3000, RTTMs: 10},
		{ParticipantID: id(2), NATTier: 1, UploadKbps: 9000, RTTMs: 10},
	}
	winner, ok := Elect(candidates)
	if !ok {
		t.Fatal("expected a winner")
	}
	if winner.ParticipantID != id(2) {
		t.Errorf("expected highest upload to win tie, got %v", winner.ParticipantID)
	}
}

func TestElectBreaksUploadTieOnRTT(t *testing.T) {
	candidates := []Candidate{
		{ParticipantID: id(1), NATTier: 1, UploadKbps: 5000, RTTMs: 80},
		{ParticipantID: id(2), NATTier: 1, UploadKbps: 5000, RTTMs: 20},
	}
	winner, ok := Elect(candidates)
	if !ok {
		t.Fatal("expected a winner")
	}
	if winner.ParticipantID != id(2) {
		t.Errorf("expected lowest RTT to win tie, got %v", winner.ParticipantID)
	}
}

func TestElectBreaksFullTieOnParticipantID(t *testing.T) {
	candidates := []Candidate{
		{ParticipantID: id(9), NATTier: 1, UploadKbps: 5000, RTTMs: 20},
		{ParticipantID: id(1), NATTier: 1, UploadKbps: 5000, RTTMs: 20},
	}
	winner, ok := Elect(candidates)
	if !ok {
		t.Fatal("expected a winner")
	}
	if winner.ParticipantID != id(1) {
		t.Errorf("expected lexicographically smallest id to win full tie, got %v", winner.ParticipantID)
	}
}

func TestElectEmptyCandidatesReturnsFalse(t *testing.T) {
	if _, ok := Elect(nil); ok {
		t.Error("expected no winner for empty candidate set")
	}
}

func TestElectFutureHostExcludesCurrentHostEvenIfBest(t *testing.T) {
	candidates := []Candidate{
		{ParticipantID: id(1), NATTier: 0, UploadKbps: 9000, RTTMs: 5},  // current host, best on paper
		{ParticipantID: id(2), NATTier: 2, UploadKbps: 500, RTTMs: 200}, // only remaining option
	}
	winner, ok := ElectFutureHost(candidates, id(1), true)
	if !ok {
		t.Fatal("expected a future-host winner")
	}
	if winner.ParticipantID != id(2) {
		t.Errorf("expected the non-host candidate to be pre-elected, got %v", winner.ParticipantID)
	}
}

func TestElectFutureHostNoEligibleCandidatesReturnsFalse(t *testing.T) {
	candidates := []Candidate{{ParticipantID: id(1), NATTier: 0, UploadKbps: 9000, RTTMs: 5}}
	if _, ok := ElectFutureHost(candidates, id(1), true); ok {
		t.Error("expected no future host when the host is the only candidate")
	}
}

func TestElectFutureHostWithNoHostSetBehavesLikeElect(t *testing.T) {
	candidates := []Candidate{
		{ParticipantID: id(1), NATTier: 1, UploadKbps: 1000, RTTMs: 10},
		{ParticipantID: id(2), NATTier: 0, UploadKbps: 500, RTTMs: 50},
	}
	winner, ok := ElectFutureHost(candidates, wire.ParticipantID{}, false)
	if !ok {
		t.Fatal("expected a winner")
	}
	if winner.ParticipantID != id(2) {
		t.Errorf("expected lowest NAT tier to win, got %v", winner.ParticipantID)
	}
}

func TestRunFutureHostElectionsInvokesHandlerPerSession(t *testing.T) {
	sessionID := wire.SessionID{0x01}
	candidates := []Candidate{{ParticipantID: id(1), NATTier: 0, UploadKbps: 1000, RTTMs: 10}}

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan wire.ParticipantID, 1)

	go RunFutureHostElections(ctx, 20*time.Millisecond,
		func() []wire.SessionID { return []wire.SessionID{sessionID} },
		func(wire.SessionID) []Candidate { return candidates },
		func(wire.SessionID) (wire.ParticipantID, bool) { return wire.ParticipantID{}, false },
		func(sid wire.SessionID, winner Candidate) {
			if sid == sessionID {
				select {
				case results <- winner.ParticipantID:
				default:
				}
			}
		})

	select {
	case got := <-results:
		if got != id(1) {
			t.Errorf("unexpected winner %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an election tick")
	}
	cancel()
}
