package identity

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestSessionCreateSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	ts := uint64(now.UnixMilli())
	sig := SignSessionCreate(priv, ts, 0x03, 8)

	if err := VerifySessionCreate(pub, ts, 0x03, 8, sig, now, DefaultReplayWindow); err != nil {
		t.Errorf("expected valid signature, got error: %v", err)
	}
	if err := VerifySessionCreate(pub, ts, 0x04, 8, sig, now, DefaultReplayWindow); err == nil {
		t.Error("expected signature mismatch for altered capabilities")
	}
}

func TestSessionJoinSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	ts := uint64(now.UnixMilli())
	sig := SignSessionJoin(priv, ts, "ALFA-BRAVO")

	if err := VerifySessionJoin(pub, ts, "ALFA-BRAVO", sig, now, DefaultReplayWindow); err != nil {
		t.Errorf("expected valid signature, got error: %v", err)
	}
	if err := VerifySessionJoin(pub, ts, "ALFA-CHARLIE", sig, now, DefaultReplayWindow); err == nil {
		t.Error("expected signature mismatch for altered session string")
	}
}

func TestValidateTimestampWindow(t *testing.T) {
	now := time.Now()
	within := uint64(now.Add(-299 * time.Second).UnixMilli())
	if err := ValidateTimestamp(within, now, DefaultReplayWindow); err != nil {
		t.Errorf("timestamp within window rejected: %v", err)
	}
	outside := uint64(now.Add(-301 * time.Second).UnixMilli())
	if err := ValidateTimestamp(outside, now, DefaultReplayWindow); err == nil {
		t.Error("expected timestamp outside window to fail")
	}
	future := uint64(now.Add(301 * time.Second).UnixMilli())
	if err := ValidateTimestamp(future, now, DefaultReplayWindow); err == nil {
		t.Error("expected future timestamp outside window to fail")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	encoded, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(encoded) > 128 {
		t.Errorf("encoded hash too long: %d bytes", len(encoded))
	}
	ok, err := VerifyPassword("correct-horse", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("expected correct password to verify")
	}
	ok, err = VerifyPassword("wrong", encoded)
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Error("expected wrong password to fail verification")
	}
}
