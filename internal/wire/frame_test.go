package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello session")
	buf, err := EncodeFrame(TypeDiscoveryPing, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	gotType, gotPayload, err := ReadFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotType != TypeDiscoveryPing {
		t.Errorf("type = %d, want %d", gotType, TypeDiscoveryPing)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeFrame(TypeDiscoveryPing, make([]byte, MaxPayloadSize+1))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestFrameRejectsOversizedLengthOnRead(t *testing.T) {
	var hdr [HeaderSize]byte
	hdr[0], hdr[1] = 0, byte(TypeDiscoveryPing)
	hdr[2] = 0xFF // length bytes set to an impossible size
	hdr[3] = 0xFF
	hdr[4] = 0xFF
	hdr[5] = 0xFF
	_, _, err := ReadFrame(bytes.NewReader(hdr[:]))
	if err == nil {
		t.Fatal("expected protocol error for oversized length")
	}
}

func TestFrameRejectsCorruptCRC(t *testing.T) {
	buf, err := EncodeFrame(TypeDiscoveryPing, []byte("payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF // flip a payload bit without touching the CRC
	_, _, err = ReadFrame(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeSessionLeave, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pt, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pt != TypeSessionLeave {
		t.Errorf("type = %d", pt)
	}
	if !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %v", payload)
	}
}
