package ratelimit

import (
	"testing"
	"time"
)

func TestAllowBoundary(t *testing.T) {
	l := New(60, time.Minute, 2*time.Minute)
	start := time.Now()

	for i := 0; i < 60; i++ {
		if !l.Allow("alice", start.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("request %d should be allowed within the limit", i+1)
		}
	}

	if l.Allow("alice", start.Add(60*time.Millisecond)) {
		t.Errorf("the 61st request within the window should be rejected")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(60, time.Minute, 2*time.Minute)
	start := time.Now()

	for i := 0; i < 60; i++ {
		l.Allow("alice", start)
	}
	if l.Allow("alice", start) {
		t.Fatalf("expected the limit to be exhausted")
	}

	afterWindow := start.Add(time.Minute + time.Second)
	if !l.Allow("alice", afterWindow) {
		t.Errorf("expected the 1st request in the next minute to be accepted")
	}
}

func TestAllowRejectedRequestsNotRecorded(t *testing.T) {
	l := New(1, time.Minute, 2*time.Minute)
	now := time.Now()

	if !l.Allow("k", now) {
		t.Fatalf("first request should be allowed")
	}
	if l.Allow("k", now.Add(30*time.Second)) {
		t.Fatalf("second request should be rejected")
	}
	// Once the first request leaves the window the slot is free again. Had
	// the rejected attempt at +30s been recorded, it would still fill it.
	if !l.Allow("k", now.Add(61*time.Second)) {
		t.Errorf("rejected attempts must not be recorded against the limit")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, time.Minute, 2*time.Minute)
	now := time.Now()

	if !l.Allow("a", now) {
		t.Fatalf("first key should be allowed")
	}
	if !l.Allow("b", now) {
		t.Errorf("a different key must have its own independent counter")
	}
}

func TestReapDropsStaleKeys(t *testing.T) {
	l := New(1, time.Minute, 2*time.Minute)
	now := time.Now()
	l.Allow("stale", now)

	l.Reap(now.Add(3 * time.Minute))

	if !l.Allow("stale", now.Add(3*time.Minute)) {
		t.Errorf("expected a reaped key's counter to have been cleared")
	}
}
