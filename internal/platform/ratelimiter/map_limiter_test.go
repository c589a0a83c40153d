package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowEnforcesBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()

	if !l.Allow("10.0.0.1", now) || !l.Allow("10.0.0.1", now) {
		t.Fatal("burst must be allowed")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("third immediate request must be limited")
	}
	if !l.Allow("10.0.0.2", now) {
		t.Fatal("limits must be per key")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("k", now) {
		t.Fatal("first request must pass")
	}
	if l.Allow("k", now) {
		t.Fatal("bucket must be empty")
	}
	if !l.Allow("k", now.Add(2*time.Second)) {
		t.Fatal("bucket must refill at the configured rate")
	}
}

func TestIdleEntriesAreSwept(t *testing.T) {
	l := New(100, 100, time.Minute)
	now := time.Now()

	l.Allow("stale", now)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("busy", now.Add(2*time.Minute))
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("expected only the busy key to survive the sweep, got %d", got)
	}
}

func TestNilAndEmptyKeyAllow(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("any", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 1, 0) != nil {
		t.Fatal("invalid args must return nil")
	}
	l2 := New(1, 1, time.Minute)
	if !l2.Allow("  ", time.Now()) {
		t.Fatal("blank key must allow")
	}
}
