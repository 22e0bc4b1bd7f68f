// Package election implements the deterministic host-election ordering of
// spec §4.7: every participant computes the same winner from the same
// candidate set without a round of voting.
package election

import (
	"bytes"
	"context"
	"time"

	"github.com/dss-project/dss/internal/wire"
)

// Candidate is one participant's self-reported connectivity quality (spec
// §4.7), gathered from NETWORK_QUALITY reports.
type Candidate struct {
	ParticipantID wire.ParticipantID
	NATTier       uint8 // lower is better: 0 = public IP, higher = more restrictive NAT
	UploadKbps    uint32
	RTTMs         uint32
}

// Elect picks the winner from candidates using spec §4.7's total order:
// lowest NAT tier, then highest upload, then lowest RTT, then
// lexicographically smallest participant id breaks any remaining tie.
// Returns the zero Candidate and false for an empty slice.
func Elect(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, true
}

func better(a, b Candidate) bool {
	if a.NATTier != b.NATTier {
		return a.NATTier < b.NATTier
	}
	if a.UploadKbps != b.UploadKbps {
		return a.UploadKbps > b.UploadKbps
	}
	if a.RTTMs != b.RTTMs {
		return a.RTTMs < b.RTTMs
	}
	return bytes.Compare(a.ParticipantID[:], b.ParticipantID[:]) < 0
}

// ElectFutureHost runs the same ordering as Elect but excludes the current
// host (spec §4.7: "the same algorithm excluding the current host"), so a
// session never pre-elects the host it already has as its own successor.
// hostSet false means no host is currently assigned, so no candidate is
// excluded. Returns the zero Candidate and false when no eligible candidate
// remains.
func ElectFutureHost(candidates []Candidate, currentHost wire.ParticipantID, hostSet bool) (Candidate, bool) {
	if !hostSet {
		return Elect(candidates)
	}
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ParticipantID == currentHost {
			continue
		}
		eligible = append(eligible, c)
	}
	return Elect(eligible)
}

// FutureHostInterval is how often a session's pre-elected successor is
// recomputed (spec §4.7), enabling instant failover on HOST_LOST.
const FutureHostInterval = 5 * time.Minute

// CandidateSource supplies the live candidate set for a session at
// election time.
type CandidateSource func(sessionID wire.SessionID) []Candidate

// HostSource reports a session's current host, if any, so the periodic
// re-election can exclude it via ElectFutureHost.
type HostSource func(sessionID wire.SessionID) (hostID wire.ParticipantID, hostSet bool)

// SessionLister enumerates the sessions that need periodic re-election.
type SessionLister func() []wire.SessionID

// ElectedHandler is invoked with the result of each periodic election.
type ElectedHandler func(sessionID wire.SessionID, winner Candidate)

// RunFutureHostElections ticks every interval, re-electing a future host
// (excluding the current host, via ElectFutureHost) for each live session
// and invoking onElected with the result. It returns when ctx is canceled.
// Callers outside tests pass FutureHostInterval.
func RunFutureHostElections(ctx context.Context, interval time.Duration, sessions SessionLister, candidates CandidateSource, hosts HostSource, onElected ElectedHandler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range sessions() {
				hostID, hostSet := hosts(id)
				winner, ok := ElectFutureHost(candidates(id), hostID, hostSet)
				if ok {
					onElected(id, winner)
				}
			}
		}
	}
}
