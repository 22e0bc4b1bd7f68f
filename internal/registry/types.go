// Package registry implements the DSS's session registry (spec §4.2): the
// sole mutable store of session records, generalizing the teacher's
// SessionManager (daemon/client connection maps keyed by user) into a
// per-session-locked map of participant slots.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/dss-project/dss/internal/wire"
)

// Sentinel errors matching the wire error codes of spec §7.
var (
	ErrAlreadyExists     = fmt.Errorf("registry: session string already taken")
	ErrInvalidParam      = fmt.Errorf("registry: invalid parameter")
	ErrCapacity          = fmt.Errorf("registry: global session capacity reached")
	ErrNotFound          = fmt.Errorf("registry: session not found")
	ErrFull               = fmt.Errorf("registry: session is full")
	ErrWrongPassword      = fmt.Errorf("registry: wrong password")
	ErrPasswordRequired   = fmt.Errorf("registry: password required")
	ErrOutOfMemory        = fmt.Errorf("registry: allocation failed")
	ErrNotMember          = fmt.Errorf("registry: participant is not a member of this session")
)

// SessionLifetime is the fixed duration added to created_at_ms to compute
// expires_at_ms (spec §3 invariant 2, §8 testable property 2). It is never
// extended once set.
const SessionLifetime = 24 * time.Hour

// DefaultMaxParticipants is N_max from spec §3.
const DefaultMaxParticipants = 32

// FutureHost is the pre-elected successor record attached to a session
// (spec §3).
type FutureHost struct {
	ElectedRound   uint32
	HostID         wire.ParticipantID
	HostAddress    string
	HostPort       uint16
	ConnectionType wire.SessionType
}

// Participant is one occupant of a session slot (spec §3).
type Participant struct {
	ID          wire.ParticipantID
	Identity    wire.PublicKey
	JoinedAtMs  int64
	Quality     Quality
}

// Quality is a participant's last reported NAT/connectivity descriptor
// (spec §4.7), recorded from NETWORK_QUALITY frames and fed to the
// periodic future-host election.
type Quality struct {
	NATTier    uint8
	UploadKbps uint32
	RTTMs      uint32
	Reported   bool
}

// Session is the mutable record for one discovery session (spec §3).
// Every field after the identifiers is guarded by mu; callers must not read
// or write them without holding it (or going through Registry/Session
// methods, which do).
type Session struct {
	ID               wire.SessionID
	SessionString    string
	CreatedAtMs      int64
	ExpiresAtMs      int64

	mu                  sync.Mutex
	hostIdentity        wire.PublicKey
	capabilities        uint32
	maxParticipants     uint8
	passwordHash        string // empty means no password
	exposeIPPublicly    bool
	sessionType         wire.SessionType
	serverAddress       string
	serverPort          uint16
	hostParticipantID   wire.ParticipantID
	hostSet             bool
	migrating           bool
	migrationStartedMs  int64
	participants        map[wire.ParticipantID]*Participant
	future               *FutureHost
}

// HasPassword reports whether the session requires a password to join.
func (s *Session) HasPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordHash != ""
}

// CurrentParticipants returns the number of occupied slots — invariant 1:
// this count is always derived from the slot map, never tracked separately.
func (s *Session) CurrentParticipants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// MaxParticipants returns the session's configured slot capacity.
func (s *Session) MaxParticipants() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxParticipants
}

// SessionType returns DIRECT_TCP or WEBRTC.
func (s *Session) SessionType() wire.SessionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionType
}

// ExposeIPPublicly returns the host's IP disclosure policy flag.
func (s *Session) ExposeIPPublicly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposeIPPublicly
}

// HostAddress returns the host's claimed reachable address and port.
func (s *Session) HostAddress() (addr string, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverAddress, s.serverPort
}

// Participants returns a snapshot slice of current participants.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// FutureHostRecord returns a copy of the current future-host election record, or
// nil if none has been elected yet.
func (s *Session) FutureHostRecord() *FutureHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.future == nil {
		return nil
	}
	cp := *s.future
	return &cp
}

// HostParticipant returns the current host's participant id, if any.
func (s *Session) HostParticipant() (wire.ParticipantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostParticipantID, s.hostSet
}

// Record is a flat, lock-free snapshot of a session's persisted fields
// (spec §6), used by the snapshot store to serialize registry state.
type Record struct {
	ID                wire.SessionID
	SessionString     string
	HostIdentity      wire.PublicKey
	Capabilities      uint32
	MaxParticipants   uint8
	PasswordHash      string
	ExposeIPPublicly  bool
	SessionType       wire.SessionType
	ServerAddress     string
	ServerPort        uint16
	HostParticipantID wire.ParticipantID
	HostSet           bool
	CreatedAtMs       int64
	ExpiresAtMs       int64
	Participants      []Participant
}

// Record returns a flat snapshot of the session suitable for persistence.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, *p)
	}
	return Record{
		ID:                s.ID,
		SessionString:     s.SessionString,
		HostIdentity:      s.hostIdentity,
		Capabilities:      s.capabilities,
		MaxParticipants:   s.maxParticipants,
		PasswordHash:      s.passwordHash,
		ExposeIPPublicly:  s.exposeIPPublicly,
		SessionType:       s.sessionType,
		ServerAddress:     s.serverAddress,
		ServerPort:        s.serverPort,
		HostParticipantID: s.hostParticipantID,
		HostSet:           s.hostSet,
		CreatedAtMs:       s.CreatedAtMs,
		ExpiresAtMs:       s.ExpiresAtMs,
		Participants:      participants,
	}
}
