// Package identity implements Ed25519 signature verification over the
// canonical byte layouts of spec §4.3, replay-window timestamp checks, and
// Argon2id password hashing.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// DefaultReplayWindow is the ±window spec §4.3/invariant 6 allows between a
// request's claimed timestamp and the verifier's clock.
const DefaultReplayWindow = 300 * time.Second

// ErrCrypto is returned for any signature or timestamp validation failure.
var ErrCrypto = fmt.Errorf("identity: crypto verification failed")

// ValidateTimestamp fails if the claimed timestamp (Unix ms) is further than
// window from now.
func ValidateTimestamp(timestampMs uint64, now time.Time, window time.Duration) error {
	claimed := time.UnixMilli(int64(timestampMs))
	delta := now.Sub(claimed)
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return fmt.Errorf("%w: timestamp %d outside %s window", ErrCrypto, timestampMs, window)
	}
	return nil
}

// canonicalSessionCreate builds type‖timestamp‖capabilities‖max_participants
// exactly per spec §4.3.
func canonicalSessionCreate(timestampMs uint64, capabilities uint32, maxParticipants uint8) []byte {
	buf := make([]byte, 1+8+4+1)
	buf[0] = 1 // SESSION_CREATE discriminator
	binary.BigEndian.PutUint64(buf[1:9], timestampMs)
	binary.BigEndian.PutUint32(buf[9:13], capabilities)
	buf[13] = maxParticipants
	return buf
}

// canonicalSessionJoin builds type‖timestamp‖session_string exactly per spec §4.3.
func canonicalSessionJoin(timestampMs uint64, sessionString string) []byte {
	buf := make([]byte, 0, 1+8+len(sessionString))
	buf = append(buf, 2) // SESSION_JOIN discriminator
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestampMs)
	buf = append(buf, ts[:]...)
	buf = append(buf, sessionString...)
	return buf
}

// VerifySessionCreate checks the replay window, then an Ed25519 signature
// over the canonical SESSION_CREATE bytes.
func VerifySessionCreate(pubkey ed25519.PublicKey, timestampMs uint64, capabilities uint32, maxParticipants uint8, sig []byte, now time.Time, window time.Duration) error {
	if err := ValidateTimestamp(timestampMs, now, window); err != nil {
		return err
	}
	msg := canonicalSessionCreate(timestampMs, capabilities, maxParticipants)
	if len(pubkey) != ed25519.PublicKeySize || !ed25519.Verify(pubkey, msg, sig) {
		return fmt.Errorf("%w: SESSION_CREATE signature invalid", ErrCrypto)
	}
	return nil
}

// VerifySessionJoin checks the replay window, then an Ed25519 signature
// over the canonical SESSION_JOIN bytes.
func VerifySessionJoin(pubkey ed25519.PublicKey, timestampMs uint64, sessionString string, sig []byte, now time.Time, window time.Duration) error {
	if err := ValidateTimestamp(timestampMs, now, window); err != nil {
		return err
	}
	msg := canonicalSessionJoin(timestampMs, sessionString)
	if len(pubkey) != ed25519.PublicKeySize || !ed25519.Verify(pubkey, msg, sig) {
		return fmt.Errorf("%w: SESSION_JOIN signature invalid", ErrCrypto)
	}
	return nil
}

// SignSessionCreate produces the 64-byte signature a client attaches to a
// SESSION_CREATE request.
func SignSessionCreate(priv ed25519.PrivateKey, timestampMs uint64, capabilities uint32, maxParticipants uint8) []byte {
	return ed25519.Sign(priv, canonicalSessionCreate(timestampMs, capabilities, maxParticipants))
}

// SignSessionJoin produces the 64-byte signature a client attaches to a
// SESSION_JOIN request.
func SignSessionJoin(priv ed25519.PrivateKey, timestampMs uint64, sessionString string) []byte {
	return ed25519.Sign(priv, canonicalSessionJoin(timestampMs, sessionString))
}

// Argon2id parameters tuned for interactive use (spec §6).
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword derives a PHC-formatted Argon2id hash, matching the
// "ASCII-encoded hash (≤ 128 bytes)" description in spec §6.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	if len(encoded) > 128 {
		return "", fmt.Errorf("identity: encoded password hash exceeds 128 bytes")
	}
	return encoded, nil
}

// VerifyPassword checks a plaintext password against a PHC-formatted
// Argon2id hash produced by HashPassword.
func VerifyPassword(password, encoded string) (bool, error) {
	var version, memory, timeCost, threads int
	var saltB64, hashB64 string
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("identity: malformed password hash")
	}
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("identity: malformed password hash version: %w", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false, fmt.Errorf("identity: malformed password hash params: %w", err)
	}
	saltB64, hashB64 = parts[4], parts[5]

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("identity: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("identity: decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, uint32(timeCost), uint32(memory), uint8(threads), uint32(len(want)))
	if len(got) != len(want) {
		return false, nil
	}
	var diff byte
	for i := range got {
		diff |= got[i] ^ want[i]
	}
	return diff == 0, nil
}

// Policy carries the two gating flags from spec §4.3.
type Policy struct {
	RequireServerIdentity bool // gates SESSION_CREATE
	RequireClientIdentity bool // gates SESSION_JOIN
}

// LoadOrCreateKeyFile reads an ed25519 private key from path (raw seed
// bytes, base64-encoded), generating and persisting a fresh one if the file
// does not exist. Mirrors the teacher's keypair persistence shape: one file,
// one key, created on first use rather than provisioned out of band.
func LoadOrCreateKeyFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("identity: decode key file %s: %w", path, decErr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity: key file %s has wrong length", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key file %s: %w", path, err)
	}

	_, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, fmt.Errorf("identity: generate key: %w", genErr)
	}
	encoded := base64.StdEncoding.EncodeToString(priv.Seed())
	if writeErr := os.WriteFile(path, []byte(encoded+"\n"), 0600); writeErr != nil {
		return nil, fmt.Errorf("identity: write key file %s: %w", path, writeErr)
	}
	return priv, nil
}
