package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestBurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("request over burst: err = %v, want ErrRateLimited", err)
	}
}

func TestSessionsIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("s1"); err != nil {
		t.Fatalf("s1 first request: %v", err)
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("s1 second request: err = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("s2"); err != nil {
		t.Errorf("s2 starved by s1: %v", err)
	}
}

func TestRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1})
	if err := l.Allow("s1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("bucket not empty after burst: %v", err)
	}
	// 100 tokens per second: one token back within ~10ms.
	time.Sleep(30 * time.Millisecond)
	if err := l.Allow("s1"); err != nil {
		t.Errorf("bucket not refilled: %v", err)
	}
}

func TestForget(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("s1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	l.Forget("s1")
	// A fresh bucket starts full again.
	if err := l.Allow("s1"); err != nil {
		t.Errorf("bucket not reset after Forget: %v", err)
	}
}
