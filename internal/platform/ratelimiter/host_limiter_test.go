package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow("dapp.example", now) {
			t.Fatalf("request %d within burst must be allowed", i)
		}
	}
	if l.Allow("dapp.example", now) {
		t.Fatal("request over burst must be denied")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	if !l.Allow("dapp.example", now) {
		t.Fatal("first request must pass")
	}
	if l.Allow("dapp.example", now) {
		t.Fatal("second immediate request must be denied")
	}
	if !l.Allow("dapp.example", now.Add(time.Second)) {
		t.Fatal("request after refill must pass")
	}
}

func TestHostsAreIsolated(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	if !l.Allow("a.example", now) {
		t.Fatal("a.example must pass")
	}
	if !l.Allow("b.example", now) {
		t.Fatal("b.example has its own bucket")
	}
}

func TestNilAndBlankKeyAllowAll(t *testing.T) {
	var l *HostLimiter
	if !l.Allow("dapp.example", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	l = New(1, 1, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("  ", time.Now()) {
			t.Fatal("blank host must not be limited")
		}
	}
}

func TestIdleEvictionBoundsMap(t *testing.T) {
	l := New(1000, 1000, time.Second)
	base := time.Now()
	for i := 0; i < sweepEvery-1; i++ {
		l.Allow("old.example", base)
	}
	// Crossing the sweep boundary far past the idle TTL drops stale buckets.
	l.Allow("new.example", base.Add(time.Hour))
	if got := l.Tracked(); got != 1 {
		t.Fatalf("expected 1 tracked host after sweep, got %d", got)
	}
}
