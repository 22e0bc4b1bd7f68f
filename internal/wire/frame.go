// Package wire implements the DSS frame codec: a fixed header (type, length,
// CRC32) followed by a typed, length-prefixed payload on a TCP stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// HeaderSize is the fixed frame header: u16 type, u32 payload_len, u32 crc32.
const HeaderSize = 2 + 4 + 4

// MaxPayloadSize bounds a single frame's payload. Larger values fail the
// frame as ErrProtocol.
const MaxPayloadSize = 1 << 20

// ErrProtocol is returned for any frame that violates the wire contract:
// oversized payload, truncated read, or CRC mismatch.
var ErrProtocol = fmt.Errorf("wire: protocol error")

// PacketType identifies a frame's payload layout.
type PacketType uint16

const (
	TypeSessionCreate PacketType = iota + 1
	TypeSessionCreated
	TypeSessionLookup
	TypeSessionInfo
	TypeSessionJoin
	TypeSessionJoined
	TypeSessionLeave
	TypeWebRTCSDP
	TypeWebRTCICE
	TypeNetworkQuality
	TypeHostLost
	TypeHostAnnouncement
	TypeFutureHostElected
	TypeDiscoveryPing
	TypeDiscoveryPong
	TypeError
	TypeAdminDeleteSession
	TypeAdminDeleteSessionAck
)

// EncodeFrame builds a complete frame (header + payload) for one packet.
func EncodeFrame(pt PacketType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrProtocol, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(pt))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[6:10], crc32.ChecksumIEEE(payload))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, pt PacketType, payload []byte) error {
	buf, err := EncodeFrame(pt, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and validates one frame from r, returning its type and
// payload. Any length or checksum violation returns ErrProtocol.
func ReadFrame(r io.Reader) (PacketType, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	pt := PacketType(binary.BigEndian.Uint16(hdr[0:2]))
	length := binary.BigEndian.Uint32(hdr[2:6])
	wantCRC := binary.BigEndian.Uint32(hdr[6:10])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: payload_len %d exceeds max %d", ErrProtocol, length, MaxPayloadSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if gotCRC := crc32.ChecksumIEEE(payload); gotCRC != wantCRC {
		return 0, nil, fmt.Errorf("%w: crc mismatch (got %08x, want %08x)", ErrProtocol, gotCRC, wantCRC)
	}
	return pt, payload, nil
}
