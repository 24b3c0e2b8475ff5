package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.Now
	return l, clock
}

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("unlimited limiter rejected: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("a"); err != nil {
		t.Errorf("nil limiter rejected: %v", err)
	}
}

func TestBurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := range 3 {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request = %v, want ErrRateLimited", err)
	}
}

func TestRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	clock.Advance(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 6, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}

	err := l.Allow("a")
	var le *LimitedError
	if !errors.As(err, &le) {
		t.Fatalf("want *LimitedError, got %v", err)
	}
	if le.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %s, want 10s", le.RetryAfter)
	}

	clock.Advance(7500 * time.Millisecond)
	err = l.Allow("a")
	if got := RetryAfter(err); got != 3*time.Second {
		t.Errorf("RetryAfter(err) = %s, want 3s (2.5s rounded up)", got)
	}
	if got := RetryAfter(errors.New("other")); got != 0 {
		t.Errorf("RetryAfter(other) = %s, want 0", got)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("b limited by a's usage: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("a")
	_ = l.Allow("b")
	_ = l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	clock.Advance(time.Second)
	if n := l.Prune(); n != 1 {
		t.Errorf("Prune = %d, want 1 (only a is full)", n)
	}
	clock.Advance(time.Minute)
	if n := l.Prune(); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestConcurrentAllow(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1, BurstSize: 10})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("a") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
