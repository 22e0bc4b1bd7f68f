// Package ratelimit applies per-IP, per-event-class token-bucket limits
// (spec §4.6), generalizing the teacher's per-IP RateLimiter
// (internal/relay/bandwidth.go) to a second dimension: the DSS must bound
// SESSION_CREATE, SESSION_LOOKUP, and SESSION_JOIN independently, since a
// client hammering lookups shouldn't burn its create budget and vice versa.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies an independently-limited event kind (spec §4.6).
type Class int

const (
	ClassSessionCreate Class = iota
	ClassSessionLookup
	ClassSessionJoin
)

func (c Class) String() string {
	switch c {
	case ClassSessionCreate:
		return "session_create"
	case ClassSessionLookup:
		return "session_lookup"
	case ClassSessionJoin:
		return "session_join"
	default:
		return "unknown"
	}
}

// classLimit is the sustained-rate/burst pair for one event class.
type classLimit struct {
	limit rate.Limit
	burst int
}

// defaultLimits holds spec §4.6's per-class defaults: N events per 60s,
// expressed as events/sec with burst equal to the window's full allotment.
var defaultLimits = map[Class]classLimit{
	ClassSessionCreate: {limit: rate.Limit(5.0 / 60.0), burst: 5},
	ClassSessionLookup: {limit: rate.Limit(30.0 / 60.0), burst: 30},
	ClassSessionJoin:   {limit: rate.Limit(10.0 / 60.0), burst: 10},
}

const evictSweepInterval = 5 * time.Minute
const evictIdleAfter = 10 * time.Minute

type ipClassKey struct {
	ip    string
	class Class
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// EventRecorder persists a rate-limit decision for durability across
// restarts (spec §4.6's "rate limit state survives a restart"). A nil
// Recorder disables persistence.
type EventRecorder interface {
	RecordEvent(ip string, class Class, allowed bool, at time.Time) error
}

// RecordedEvent is one durable rate-limit decision, replayed at startup to
// reconstruct token-bucket state across a restart.
type RecordedEvent struct {
	IP       string
	Class    Class
	Allowed  bool
	Occurred time.Time
}

// EventLoader supplies recorded events from within the last window, in
// chronological order, so New can pre-charge each (ip,class) bucket to the
// state it held before the process exited (spec §4.6: "a restart does not
// reset attacker budgets"). Implemented by snapshot.Store alongside
// EventRecorder; a recorder that doesn't implement it starts every bucket
// fresh.
type EventLoader interface {
	LoadRecentEvents(window time.Duration) ([]RecordedEvent, error)
}

// ParseClass parses a Class's String() form, used by EventLoader
// implementations translating a durable row back into a Class.
func ParseClass(s string) (Class, bool) {
	switch s {
	case ClassSessionCreate.String():
		return ClassSessionCreate, true
	case ClassSessionLookup.String():
		return ClassSessionLookup, true
	case ClassSessionJoin.String():
		return ClassSessionJoin, true
	default:
		return 0, false
	}
}

// Limiter enforces independent token buckets per (IP, Class) pair (spec
// §4.6), mirroring the teacher's RateLimiter/ipLimiter shape
// (internal/relay/bandwidth.go) with an added class dimension and a
// pluggable persistence hook in place of the teacher's direct sqlite sync.
type Limiter struct {
	mu       sync.Mutex
	entries  map[ipClassKey]*entry
	limits   map[Class]classLimit
	recorder EventRecorder
	stopCh   chan struct{}
}

// New creates a Limiter using spec §4.6's default per-class limits. Pass a
// non-nil recorder to persist every decision. If recorder also implements
// EventLoader, its recent allowed events are replayed to pre-charge each
// bucket before the limiter serves its first request.
func New(recorder EventRecorder) *Limiter {
	l := &Limiter{
		entries:  make(map[ipClassKey]*entry),
		limits:   defaultLimits,
		recorder: recorder,
		stopCh:   make(chan struct{}),
	}
	if loader, ok := recorder.(EventLoader); ok {
		l.replay(loader)
	}
	go l.evictLoop()
	return l
}

// replay pre-charges every (ip,class) bucket from the events a prior
// process recorded, so an attacker can't reset their budget by waiting for
// a restart. Only allowed events consumed a token originally, so only
// those are replayed; events must arrive in chronological order since
// rate.Limiter.AllowN expects non-decreasing timestamps per bucket.
func (l *Limiter) replay(loader EventLoader) {
	events, err := loader.LoadRecentEvents(evictIdleAfter)
	if err != nil {
		return
	}
	for _, e := range events {
		if !e.Allowed {
			continue
		}
		l.limiterFor(e.IP, e.Class).AllowN(e.Occurred, 1)
	}
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(evictSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			for k, e := range l.entries {
				if time.Since(e.lastSeen) > evictIdleAfter {
					delete(l.entries, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop halts the eviction goroutine. Safe to call once.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) limiterFor(ip string, class Class) *rate.Limiter {
	key := ipClassKey{ip: ip, class: class}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		cl := l.limits[class]
		e = &entry{lim: rate.NewLimiter(cl.limit, cl.burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.lim
}

// Allow reports whether an event of the given class from ip is within its
// budget, consuming one token if so. The decision is persisted through the
// recorder, if any, matching spec §4.6's durability requirement.
func (l *Limiter) Allow(ip string, class Class) bool {
	allowed := l.limiterFor(ip, class).Allow()
	if l.recorder != nil {
		_ = l.recorder.RecordEvent(ip, class, allowed, time.Now())
	}
	return allowed
}
