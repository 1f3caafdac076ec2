package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(config Config) (*Limiter, *time.Time) {
	l := NewLimiter(config)
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllowsBurstThenRejects(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		if !l.Allow("s1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("s1") {
		t.Fatal("fourth request should be rejected")
	}
	if !l.Allow("s2") {
		t.Fatal("keys must not share buckets")
	}

	if wait := l.WaitTime("s1"); wait <= 0 || wait > time.Second {
		t.Fatalf("WaitTime() = %v, want (0, 1s]", wait)
	}

	*now = now.Add(time.Second)
	if !l.Allow("s1") {
		t.Fatal("bucket should refill after a second")
	}
}

func TestLimiterWaitTimeDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	if wait := l.WaitTime("s1"); wait != 0 {
		t.Fatalf("WaitTime() = %v, want 0", wait)
	}
	if !l.Allow("s1") {
		t.Fatal("WaitTime must not consume the token")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		if !l.Allow("s1") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("x") || nilLimiter.WaitTime("x") != 0 {
		t.Fatal("nil limiter must allow everything")
	}
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	l.Allow("s1")
	if l.Allow("s1") {
		t.Fatal("expected rejection")
	}
	l.Reset("s1")
	if !l.Allow("s1") {
		t.Fatal("reset key should start with a full bucket")
	}
}

func TestLimiterPrunesIdleKeys(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	l.maxKeys = 2
	l.Allow("a")
	l.Allow("b")
	*now = now.Add(idleAfter)
	l.Allow("c")
	if len(l.entries) != 1 {
		t.Fatalf("expected idle keys to be pruned, have %d", len(l.entries))
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("confirm", "s1"); got != "confirm:s1" {
		t.Fatalf("CompositeKey() = %q", got)
	}
}
