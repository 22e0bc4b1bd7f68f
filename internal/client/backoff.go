package client

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff computes the WebRTC reconnect delay of spec §4.8:
// min(1s·2^attempt, 30s) + jitter[0..1s]. Adapted from the teacher's
// ws.Backoff (internal/ws/backoff.go), adding the jitter term the spec
// requires to avoid synchronized retries across many sessions.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff creates a Backoff using spec §4.8's defaults (1s base, 30s cap).
func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Next returns the delay before the next retry and advances the attempt
// counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d + jitter(time.Second)
}

// Reset clears the attempt counter, e.g. after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of retries issued so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func jitter(max time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
