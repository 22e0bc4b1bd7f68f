package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dss-project/dss/internal/identity"
	"github.com/dss-project/dss/internal/wire"
)

// CreateRequest carries the fields needed to allocate a new session
// (spec §4.5 SESSION_CREATE).
type CreateRequest struct {
	HostIdentity          wire.PublicKey
	Capabilities          uint32
	MaxParticipants       uint8
	SessionType           wire.SessionType
	PasswordHash          string
	ExposeIPPublicly      bool
	ServerAddress         string
	ServerPort            uint16
	ReservedSessionString string
}

// JoinRequest carries the fields needed to join an existing session
// (spec §4.5 SESSION_JOIN).
type JoinRequest struct {
	Identity      wire.PublicKey
	SessionString string
	Password      string
}

// Config bounds registry-wide policy (spec §4.2).
type Config struct {
	MaxSessions int // 0 means unbounded
}

// Registry is the sole mutable store of session records (spec §4.2). Its
// two indexes always point at the same *Session (invariant 4); mutating
// operations take mapsMu only long enough to install/remove the pointer,
// then the session's own mutex for slot mutation, so unrelated sessions
// never serialize behind one another (spec §5) — this generalizes the
// teacher's SessionManager (internal/relay/sessions.go), which does the
// analogous split between its map-level RWMutex and per-connection state.
type Registry struct {
	mapsMu    sync.RWMutex
	byString  map[string]*Session
	byID      map[wire.SessionID]*Session
	cfg       Config
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		byString: make(map[string]*Session),
		byID:     make(map[wire.SessionID]*Session),
		cfg:      cfg,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func newSessionID() wire.SessionID {
	var id wire.SessionID
	copy(id[:], uuid.New()[:])
	return id
}

func newParticipantID() wire.ParticipantID {
	var id wire.ParticipantID
	copy(id[:], uuid.New()[:])
	return id
}

// Create allocates a new session (spec §4.2). Fails with ErrAlreadyExists if
// a caller-supplied string is taken, ErrInvalidParam on a malformed string,
// ErrCapacity on the global session cap.
func (r *Registry) Create(req CreateRequest) (*Session, error) {
	sessionString := req.ReservedSessionString
	if sessionString != "" {
		if !ValidSessionString(sessionString) {
			return nil, ErrInvalidParam
		}
	}

	maxParticipants := req.MaxParticipants
	if maxParticipants == 0 {
		maxParticipants = DefaultMaxParticipants
	}
	if maxParticipants > DefaultMaxParticipants {
		return nil, ErrInvalidParam
	}

	r.mapsMu.Lock()
	defer r.mapsMu.Unlock()

	if r.cfg.MaxSessions > 0 && len(r.byID) >= r.cfg.MaxSessions {
		return nil, ErrCapacity
	}

	if sessionString != "" {
		if _, exists := r.byString[sessionString]; exists {
			return nil, ErrAlreadyExists
		}
	} else {
		generated, err := r.generateUniqueStringLocked()
		if err != nil {
			return nil, err
		}
		sessionString = generated
	}

	created := nowMs()
	sess := &Session{
		ID:               newSessionID(),
		SessionString:    sessionString,
		CreatedAtMs:      created,
		ExpiresAtMs:      created + SessionLifetime.Milliseconds(),
		hostIdentity:     req.HostIdentity,
		capabilities:     req.Capabilities,
		maxParticipants:  maxParticipants,
		passwordHash:     req.PasswordHash,
		exposeIPPublicly: req.ExposeIPPublicly,
		sessionType:      req.SessionType,
		serverAddress:    req.ServerAddress,
		serverPort:       req.ServerPort,
		participants:     make(map[wire.ParticipantID]*Participant),
	}
	r.byString[sessionString] = sess
	r.byID[sess.ID] = sess
	return sess, nil
}

// generateUniqueStringLocked must be called with mapsMu held for writing.
func (r *Registry) generateUniqueStringLocked() (string, error) {
	const maxAttempts = 20
	for i := 0; i < maxAttempts; i++ {
		candidate, err := GenerateSessionString()
		if err != nil {
			return "", ErrOutOfMemory
		}
		if _, exists := r.byString[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", ErrOutOfMemory
}

// LookupResult is the read-only snapshot returned by Lookup (spec §4.2). It
// never discloses address/port (invariant 5).
type LookupResult struct {
	Found               bool
	HasPassword         bool
	SessionType         wire.SessionType
	MaxParticipants     uint8
	CurrentParticipants uint8
}

// Lookup resolves a session string without disclosing address/port.
func (r *Registry) Lookup(sessionString string) LookupResult {
	sess := r.FindByString(sessionString)
	if sess == nil {
		return LookupResult{Found: false}
	}
	return LookupResult{
		Found:               true,
		HasPassword:         sess.HasPassword(),
		SessionType:         sess.SessionType(),
		MaxParticipants:     sess.MaxParticipants(),
		CurrentParticipants: uint8(sess.CurrentParticipants()),
	}
}

// FindByID returns the session for an id, or nil.
func (r *Registry) FindByID(id wire.SessionID) *Session {
	r.mapsMu.RLock()
	defer r.mapsMu.RUnlock()
	return r.byID[id]
}

// FindByString returns the session for a session string, or nil.
func (r *Registry) FindByString(sessionString string) *Session {
	r.mapsMu.RLock()
	defer r.mapsMu.RUnlock()
	return r.byString[sessionString]
}

// JoinResult is returned by a successful Join.
type JoinResult struct {
	ParticipantID wire.ParticipantID
	Session       *Session
}

// Join admits a participant into an existing session (spec §4.2).
func (r *Registry) Join(req JoinRequest) (*JoinResult, error) {
	sess := r.FindByString(req.SessionString)
	if sess == nil {
		return nil, ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.passwordHash != "" {
		if req.Password == "" {
			return nil, ErrPasswordRequired
		}
		ok, err := identity.VerifyPassword(req.Password, sess.passwordHash)
		if err != nil || !ok {
			return nil, ErrWrongPassword
		}
	}

	if len(sess.participants) >= int(sess.maxParticipants) {
		return nil, ErrFull
	}

	pid := newParticipantID()
	if _, collision := sess.participants[pid]; collision {
		return nil, ErrOutOfMemory
	}
	sess.participants[pid] = &Participant{
		ID:         pid,
		Identity:   req.Identity,
		JoinedAtMs: nowMs(),
	}
	return &JoinResult{ParticipantID: pid, Session: sess}, nil
}

// UpdateQuality records a participant's latest self-reported NAT descriptor,
// consumed by the periodic future-host election (election.RunFutureHostElections).
func (r *Registry) UpdateQuality(sessionID wire.SessionID, participantID wire.ParticipantID, q Quality) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	p, ok := sess.participants[participantID]
	if !ok {
		return ErrNotMember
	}
	q.Reported = true
	p.Quality = q
	return nil
}

// Leave removes a participant (spec §4.2). If the session becomes empty it
// is removed from both indexes — its id is never reused (invariant 2).
func (r *Registry) Leave(sessionID wire.SessionID, participantID wire.ParticipantID) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}

	sess.mu.Lock()
	if _, ok := sess.participants[participantID]; !ok {
		sess.mu.Unlock()
		return ErrNotMember
	}
	delete(sess.participants, participantID)
	empty := len(sess.participants) == 0
	sess.mu.Unlock()

	if empty {
		r.removeSession(sess)
	}
	return nil
}

func (r *Registry) removeSession(sess *Session) {
	r.mapsMu.Lock()
	defer r.mapsMu.Unlock()
	delete(r.byID, sess.ID)
	delete(r.byString, sess.SessionString)
}

// AdminDelete forcibly removes a session regardless of occupancy (spec §3's
// "explicit administrative deletion" lifecycle event, §12 of SPEC_FULL.md).
func (r *Registry) AdminDelete(sessionID wire.SessionID) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	r.removeSession(sess)
	return nil
}

// CleanupExpired removes every session whose expires_at_ms is before now
// (spec §4.2, testable property 11), returning the removed ids so a caller
// can also prune durable state (e.g. the snapshot store) keyed by them.
func (r *Registry) CleanupExpired(nowMs int64) []wire.SessionID {
	r.mapsMu.Lock()
	defer r.mapsMu.Unlock()
	var removed []wire.SessionID
	for id, sess := range r.byID {
		if sess.ExpiresAtMs < nowMs {
			delete(r.byID, id)
			delete(r.byString, sess.SessionString)
			removed = append(removed, id)
		}
	}
	return removed
}

// UpdateHost records a new host announcement (spec §4.2 HOST_ANNOUNCEMENT).
func (r *Registry) UpdateHost(sessionID wire.SessionID, hostParticipantID wire.ParticipantID, addr string, port uint16, connType wire.SessionType) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.hostParticipantID = hostParticipantID
	sess.hostSet = true
	sess.serverAddress = addr
	sess.serverPort = port
	sess.sessionType = connType
	sess.migrating = false
	return nil
}

// ClearHost marks a session as hostless, e.g. after HOST_LOST (spec §4.2).
func (r *Registry) ClearHost(sessionID wire.SessionID) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.hostSet = false
	return nil
}

// StartMigration marks a session as mid host-migration (spec §4.2, §4.10).
func (r *Registry) StartMigration(sessionID wire.SessionID) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.migrating = true
	sess.migrationStartedMs = nowMs()
	return nil
}

// IsMigrationReady reports whether a session has a host again. Once
// UpdateHost has cleared the migration flag it is simply whether a host is
// set, with no timing check; while the flag is still set it additionally
// requires that no more than windowMs have passed since StartMigration.
func (r *Registry) IsMigrationReady(sessionID wire.SessionID, windowMs int64) bool {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.migrating {
		return sess.hostSet
	}
	return nowMs()-sess.migrationStartedMs <= windowMs && sess.hostSet
}

// SetFutureHost records a new future-host election result (spec §3, §4.7).
func (r *Registry) SetFutureHost(sessionID wire.SessionID, fh FutureHost) error {
	sess := r.FindByID(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.future = &fh
	return nil
}

// Range safely iterates every live session. It holds a read lock on the map
// only long enough to copy the session pointers and calls fn without it;
// each session's own fields are read through its own accessor methods, so
// concurrent writers to other sessions are never blocked (spec §4.2's
// "iteration by callback, explicitly safe against concurrent reads").
func (r *Registry) Range(fn func(*Session) bool) {
	r.mapsMu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mapsMu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}

// Restore reinserts a previously persisted session record (spec §6's
// "survives a restart"), bypassing string generation/validation since the
// string was already reserved by the prior process.
func (r *Registry) Restore(rec Record) *Session {
	sess := &Session{
		ID:                rec.ID,
		SessionString:     rec.SessionString,
		CreatedAtMs:       rec.CreatedAtMs,
		ExpiresAtMs:       rec.ExpiresAtMs,
		hostIdentity:      rec.HostIdentity,
		capabilities:      rec.Capabilities,
		maxParticipants:   rec.MaxParticipants,
		passwordHash:      rec.PasswordHash,
		exposeIPPublicly:  rec.ExposeIPPublicly,
		sessionType:       rec.SessionType,
		serverAddress:     rec.ServerAddress,
		serverPort:        rec.ServerPort,
		hostParticipantID: rec.HostParticipantID,
		hostSet:           rec.HostSet,
		participants:      make(map[wire.ParticipantID]*Participant),
	}
	for _, p := range rec.Participants {
		cp := p
		sess.participants[p.ID] = &cp
	}

	r.mapsMu.Lock()
	defer r.mapsMu.Unlock()
	r.byID[sess.ID] = sess
	r.byString[sess.SessionString] = sess
	return sess
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mapsMu.RLock()
	defer r.mapsMu.RUnlock()
	return len(r.byID)
}
