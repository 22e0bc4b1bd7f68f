package ratelimit

import (
	"testing"
	"time"
)

type recordedEvent struct {
	ip      string
	class   Class
	allowed bool
}

type fakeRecorder struct {
	events []recordedEvent
}

func (f *fakeRecorder) RecordEvent(ip string, class Class, allowed bool, at time.Time) error {
	f.events = append(f.events, recordedEvent{ip: ip, class: class, allowed: allowed})
	return nil
}

func TestAllowRespectsBurstThenDenies(t *testing.T) {
	l := New(nil)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.1", ClassSessionCreate) {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if l.Allow("203.0.113.1", ClassSessionCreate) {
		t.Error("expected request beyond burst to be denied")
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l := New(nil)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("203.0.113.1", ClassSessionCreate)
	}
	if !l.Allow("203.0.113.1", ClassSessionLookup) {
		t.Error("expected a different class's budget to be untouched")
	}
}

func TestDifferentIPsAreIndependent(t *testing.T) {
	l := New(nil)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("203.0.113.1", ClassSessionCreate)
	}
	if !l.Allow("203.0.113.2", ClassSessionCreate) {
		t.Error("expected a different IP's budget to be untouched")
	}
}

func TestRecorderObservesDecisions(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(rec)
	defer l.Stop()

	l.Allow("203.0.113.1", ClassSessionJoin)
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 recorded event, got %d", len(rec.events))
	}
	if !rec.events[0].allowed {
		t.Error("expected first event to be allowed")
	}
}

type fakeLoader struct {
	events []RecordedEvent
}

func (f *fakeLoader) RecordEvent(ip string, class Class, allowed bool, at time.Time) error {
	return nil
}

func (f *fakeLoader) LoadRecentEvents(window time.Duration) ([]RecordedEvent, error) {
	return f.events, nil
}

func TestNewReplaysRecentEventsAndPreChargesBudget(t *testing.T) {
	now := time.Now()
	loader := &fakeLoader{}
	for i := 0; i < 5; i++ {
		loader.events = append(loader.events, RecordedEvent{
			IP: "203.0.113.1", Class: ClassSessionCreate, Allowed: true,
			Occurred: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	l := New(loader)
	defer l.Stop()

	if l.Allow("203.0.113.1", ClassSessionCreate) {
		t.Error("expected a restart to still honor the burst already spent before it")
	}
	if !l.Allow("203.0.113.2", ClassSessionCreate) {
		t.Error("expected an unrelated IP's budget to be unaffected by replay")
	}
}

func TestNewIgnoresDeniedEventsDuringReplay(t *testing.T) {
	now := time.Now()
	loader := &fakeLoader{events: []RecordedEvent{
		{IP: "203.0.113.1", Class: ClassSessionCreate, Allowed: false, Occurred: now},
	}}

	l := New(loader)
	defer l.Stop()

	if !l.Allow("203.0.113.1", ClassSessionCreate) {
		t.Error("expected a denied event to not consume any of the restarted budget")
	}
}
