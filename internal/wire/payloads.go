package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Fixed-size identifier types used throughout the payloads below.
type SessionID [16]byte
type ParticipantID [16]byte
type PublicKey [32]byte
type Signature [64]byte

// SessionType enumerates the two transport outcomes a session can result in.
type SessionType uint8

const (
	SessionTypeDirectTCP SessionType = iota
	SessionTypeWebRTC
)

// SDPType mirrors the two SDP roles carried over WEBRTC_SDP.
type SDPType uint8

const (
	SDPTypeOffer SDPType = iota
	SDPTypeAnswer
)

// encoder accumulates a payload using the field-prefix conventions of §6:
// u8-prefixed strings (session strings, addresses), u16-prefixed strings
// (SDP/ICE bodies, error messages), and explicit big-endian integers.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) bytes(b []byte) { e.buf.Write(b) }
func (e *encoder) u8(v uint8)     { e.buf.WriteByte(v) }
func (e *encoder) bool8(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}
func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) strU8(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%w: string %q exceeds u8 length prefix", ErrProtocol, s)
	}
	e.u8(uint8(len(s)))
	e.buf.WriteString(s)
	return nil
}
func (e *encoder) strU16(s string) error {
	if len(s) > 1<<16-1 {
		return fmt.Errorf("%w: string exceeds u16 length prefix", ErrProtocol)
	}
	e.u16(uint16(len(s)))
	e.buf.WriteString(s)
	return nil
}

// decoder reads fields off a payload in order, recording the first error.
type decoder struct {
	b   []byte
	off int
	err error
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.b) {
		d.err = fmt.Errorf("%w: payload truncated", ErrProtocol)
		return false
	}
	return true
}

func (d *decoder) bytesN(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := d.b[d.off : d.off+n]
	d.off += n
	return v
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) bool8() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.b[d.off : d.off+2])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.b[d.off : d.off+4])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.b[d.off : d.off+8])
	d.off += 8
	return v
}

func (d *decoder) strU8() string {
	n := int(d.u8())
	return string(d.bytesN(n))
}

func (d *decoder) strU16() string {
	n := int(d.u16())
	return string(d.bytesN(n))
}

func (d *decoder) sessionID() SessionID {
	var id SessionID
	copy(id[:], d.bytesN(16))
	return id
}

func (d *decoder) participantID() ParticipantID {
	var id ParticipantID
	copy(id[:], d.bytesN(16))
	return id
}

func (d *decoder) pubKey() PublicKey {
	var k PublicKey
	copy(k[:], d.bytesN(32))
	return k
}

func (d *decoder) signature() Signature {
	var s Signature
	copy(s[:], d.bytesN(64))
	return s
}

// SessionCreateRequest is the payload of a SESSION_CREATE packet.
type SessionCreateRequest struct {
	Identity            PublicKey
	Timestamp           uint64
	Signature           Signature
	Capabilities        uint32
	MaxParticipants     uint8
	SessionType         SessionType
	HasPassword         bool
	PasswordHash        string
	ServerAddress       string
	ServerPort          uint16
	ExposeIPPublicly    bool
	ReservedSessionString string
}

func (r *SessionCreateRequest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.Identity[:])
	e.u64(r.Timestamp)
	e.bytes(r.Signature[:])
	e.u32(r.Capabilities)
	e.u8(r.MaxParticipants)
	e.u8(uint8(r.SessionType))
	e.bool8(r.HasPassword)
	if err := e.strU8(r.PasswordHash); err != nil {
		return nil, err
	}
	if err := e.strU8(r.ServerAddress); err != nil {
		return nil, err
	}
	e.u16(r.ServerPort)
	e.bool8(r.ExposeIPPublicly)
	if err := e.strU8(r.ReservedSessionString); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *SessionCreateRequest) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.Identity = d.pubKey()
	r.Timestamp = d.u64()
	r.Signature = d.signature()
	r.Capabilities = d.u32()
	r.MaxParticipants = d.u8()
	r.SessionType = SessionType(d.u8())
	r.HasPassword = d.bool8()
	r.PasswordHash = d.strU8()
	r.ServerAddress = d.strU8()
	r.ServerPort = d.u16()
	r.ExposeIPPublicly = d.bool8()
	r.ReservedSessionString = d.strU8()
	return d.err
}

// SessionCreatedReply is the payload of the SESSION_CREATED reply.
type SessionCreatedReply struct {
	SessionID     SessionID
	SessionString string
	ExpiresAtMs   uint64
	StunCount     uint16
	TurnCount     uint16
}

func (r *SessionCreatedReply) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	if err := e.strU8(r.SessionString); err != nil {
		return nil, err
	}
	e.u64(r.ExpiresAtMs)
	e.u16(r.StunCount)
	e.u16(r.TurnCount)
	return e.buf.Bytes(), nil
}

func (r *SessionCreatedReply) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.SessionString = d.strU8()
	r.ExpiresAtMs = d.u64()
	r.StunCount = d.u16()
	r.TurnCount = d.u16()
	return d.err
}

// SessionLookupRequest is the payload of a SESSION_LOOKUP packet.
type SessionLookupRequest struct {
	SessionString string
}

func (r *SessionLookupRequest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	if err := e.strU8(r.SessionString); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *SessionLookupRequest) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionString = d.strU8()
	return d.err
}

// SessionInfoReply is the payload of a SESSION_INFO reply. It never carries
// address/port (invariant 5).
type SessionInfoReply struct {
	Found                bool
	HasPassword          bool
	SessionType          SessionType
	MaxParticipants      uint8
	CurrentParticipants  uint8
}

func (r *SessionInfoReply) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bool8(r.Found)
	e.bool8(r.HasPassword)
	e.u8(uint8(r.SessionType))
	e.u8(r.MaxParticipants)
	e.u8(r.CurrentParticipants)
	return e.buf.Bytes(), nil
}

func (r *SessionInfoReply) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.Found = d.bool8()
	r.HasPassword = d.bool8()
	r.SessionType = SessionType(d.u8())
	r.MaxParticipants = d.u8()
	r.CurrentParticipants = d.u8()
	return d.err
}

// SessionJoinRequest is the payload of a SESSION_JOIN packet.
type SessionJoinRequest struct {
	Identity      PublicKey
	Timestamp     uint64
	Signature     Signature
	SessionString string
	HasPassword   bool
	Password      string
}

func (r *SessionJoinRequest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.Identity[:])
	e.u64(r.Timestamp)
	e.bytes(r.Signature[:])
	if err := e.strU8(r.SessionString); err != nil {
		return nil, err
	}
	e.bool8(r.HasPassword)
	if err := e.strU8(r.Password); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *SessionJoinRequest) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.Identity = d.pubKey()
	r.Timestamp = d.u64()
	r.Signature = d.signature()
	r.SessionString = d.strU8()
	r.HasPassword = d.bool8()
	r.Password = d.strU8()
	return d.err
}

// SessionJoinedReply is the payload of the SESSION_JOINED reply.
type SessionJoinedReply struct {
	ParticipantID ParticipantID
	SessionID     SessionID
	ServerAddress string
	ServerPort    uint16
	SessionType   SessionType
	TurnUsername  string
	TurnPassword  string
}

func (r *SessionJoinedReply) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.ParticipantID[:])
	e.bytes(r.SessionID[:])
	if err := e.strU8(r.ServerAddress); err != nil {
		return nil, err
	}
	e.u16(r.ServerPort)
	e.u8(uint8(r.SessionType))
	if err := e.strU8(r.TurnUsername); err != nil {
		return nil, err
	}
	if err := e.strU8(r.TurnPassword); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *SessionJoinedReply) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.ParticipantID = d.participantID()
	r.SessionID = d.sessionID()
	r.ServerAddress = d.strU8()
	r.ServerPort = d.u16()
	r.SessionType = SessionType(d.u8())
	r.TurnUsername = d.strU8()
	r.TurnPassword = d.strU8()
	return d.err
}

// SessionLeaveRequest is the payload of a SESSION_LEAVE packet.
type SessionLeaveRequest struct {
	SessionID     SessionID
	ParticipantID ParticipantID
}

func (r *SessionLeaveRequest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.ParticipantID[:])
	return e.buf.Bytes(), nil
}

func (r *SessionLeaveRequest) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.ParticipantID = d.participantID()
	return d.err
}

// WebRTCSDP carries an SDP offer/answer forwarded verbatim by the relay.
type WebRTCSDP struct {
	SessionID   SessionID
	SenderID    ParticipantID
	RecipientID ParticipantID // all-zero means broadcast
	SDPType     SDPType
	SDP         string
}

func (r *WebRTCSDP) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.SenderID[:])
	e.bytes(r.RecipientID[:])
	e.u8(uint8(r.SDPType))
	if err := e.strU16(r.SDP); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *WebRTCSDP) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.SenderID = d.participantID()
	r.RecipientID = d.participantID()
	r.SDPType = SDPType(d.u8())
	r.SDP = d.strU16()
	return d.err
}

// WebRTCICE carries one trickled ICE candidate forwarded verbatim.
type WebRTCICE struct {
	SessionID   SessionID
	SenderID    ParticipantID
	RecipientID ParticipantID // all-zero means broadcast
	Candidate   string
	Mid         string
}

func (r *WebRTCICE) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.SenderID[:])
	e.bytes(r.RecipientID[:])
	if err := e.strU16(r.Candidate); err != nil {
		return nil, err
	}
	if err := e.strU8(r.Mid); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *WebRTCICE) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.SenderID = d.participantID()
	r.RecipientID = d.participantID()
	r.Candidate = d.strU16()
	r.Mid = d.strU8()
	return d.err
}

// NetworkQuality is the per-participant NAT descriptor broadcast to peers.
type NetworkQuality struct {
	SessionID          SessionID
	ParticipantID      ParticipantID
	HasPublicIP        bool
	NATTypeTier        uint8
	UploadKbps         uint32
	RTTMs              uint32
	DetectionComplete  bool
}

func (r *NetworkQuality) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.ParticipantID[:])
	e.bool8(r.HasPublicIP)
	e.u8(r.NATTypeTier)
	e.u32(r.UploadKbps)
	e.u32(r.RTTMs)
	e.bool8(r.DetectionComplete)
	return e.buf.Bytes(), nil
}

func (r *NetworkQuality) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.ParticipantID = d.participantID()
	r.HasPublicIP = d.bool8()
	r.NATTypeTier = d.u8()
	r.UploadKbps = d.u32()
	r.RTTMs = d.u32()
	r.DetectionComplete = d.bool8()
	return d.err
}

// HostLost reports a detected host failure, requesting migration.
type HostLost struct {
	SessionID     SessionID
	ParticipantID ParticipantID
	LastHostID    ParticipantID
	Reason        uint8
	Timestamp     uint64
}

func (r *HostLost) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.ParticipantID[:])
	e.bytes(r.LastHostID[:])
	e.u8(r.Reason)
	e.u64(r.Timestamp)
	return e.buf.Bytes(), nil
}

func (r *HostLost) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.ParticipantID = d.participantID()
	r.LastHostID = d.participantID()
	r.Reason = d.u8()
	r.Timestamp = d.u64()
	return d.err
}

// HostAnnouncement publishes the current host's reachable address.
type HostAnnouncement struct {
	SessionID      SessionID
	HostID         ParticipantID
	HostAddress    string
	HostPort       uint16
	ConnectionType SessionType
}

func (r *HostAnnouncement) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.HostID[:])
	if err := e.strU8(r.HostAddress); err != nil {
		return nil, err
	}
	e.u16(r.HostPort)
	e.u8(uint8(r.ConnectionType))
	return e.buf.Bytes(), nil
}

func (r *HostAnnouncement) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.HostID = d.participantID()
	r.HostAddress = d.strU8()
	r.HostPort = d.u16()
	r.ConnectionType = SessionType(d.u8())
	return d.err
}

// FutureHostElected publishes the pre-elected successor for instant failover.
type FutureHostElected struct {
	SessionID                SessionID
	FutureHostID              ParticipantID
	FutureHostAddress         string
	FutureHostPort            uint16
	FutureHostConnectionType  SessionType
	Round                     uint32
}

func (r *FutureHostElected) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.bytes(r.SessionID[:])
	e.bytes(r.FutureHostID[:])
	if err := e.strU8(r.FutureHostAddress); err != nil {
		return nil, err
	}
	e.u16(r.FutureHostPort)
	e.u8(uint8(r.FutureHostConnectionType))
	e.u32(r.Round)
	return e.buf.Bytes(), nil
}

func (r *FutureHostElected) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionID = d.sessionID()
	r.FutureHostID = d.participantID()
	r.FutureHostAddress = d.strU8()
	r.FutureHostPort = d.u16()
	r.FutureHostConnectionType = SessionType(d.u8())
	r.Round = d.u32()
	return d.err
}

// ErrorReply is the payload of every ERROR frame.
type ErrorReply struct {
	Code    ErrorCode
	Message string
}

func (r *ErrorReply) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u16(uint16(r.Code))
	if err := e.strU16(r.Message); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *ErrorReply) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.Code = ErrorCode(d.u16())
	r.Message = d.strU16()
	return d.err
}

// ErrorCode enumerates the wire-exposed error kinds of spec §7.
type ErrorCode uint16

const (
	ErrCodeInvalidParam ErrorCode = iota + 1
	ErrCodeProtocol
	ErrCodeCrypto
	ErrCodeNotFound
	ErrCodeAlreadyExists
	ErrCodeFull
	ErrCodeWrongPassword
	ErrCodePasswordRequired
	ErrCodeRateLimited
	ErrCodeOutOfMemory
	ErrCodeInternal
	ErrCodeUnknownPacket
	ErrCodeConnectTimeout
)

// AdminDeleteSessionRequest asks the dispatcher to forcibly evict a session
// by its session string (spec §3's "explicit administrative deletion"),
// authenticated by a shared token rather than the per-participant identity
// scheme since the caller is an operator, not a session member.
type AdminDeleteSessionRequest struct {
	SessionString string
	Token         string
}

func (r *AdminDeleteSessionRequest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	if err := e.strU8(r.SessionString); err != nil {
		return nil, err
	}
	if err := e.strU8(r.Token); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (r *AdminDeleteSessionRequest) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionString = d.strU8()
	r.Token = d.strU8()
	return d.err
}

// AdminDeleteSessionAck confirms (or reports failure of) an admin deletion.
type AdminDeleteSessionAck struct {
	SessionString string
	Deleted       bool
}

func (r *AdminDeleteSessionAck) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	if err := e.strU8(r.SessionString); err != nil {
		return nil, err
	}
	e.bool8(r.Deleted)
	return e.buf.Bytes(), nil
}

func (r *AdminDeleteSessionAck) UnmarshalBinary(b []byte) error {
	d := newDecoder(b)
	r.SessionString = d.strU8()
	r.Deleted = d.bool8()
	return d.err
}
