// Package ratelimit throttles requests per identity with lazily refilled
// token buckets. There is no background goroutine; idle buckets are dropped
// by Prune.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited matches every rejection from Allow.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError is a rejection with the wait until the next token.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrRateLimited, e.RetryAfter)
}

func (e *LimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the wait from a rejection, rounded up to whole
// seconds. It returns 0 for other errors.
func RetryAfter(err error) time.Duration {
	var le *LimitedError
	if !errors.As(err, &le) {
		return 0
	}
	return time.Duration(math.Ceil(le.RetryAfter.Seconds())) * time.Second
}

// Config sizes every bucket.
type Config struct {
	RequestsPerMinute int // Refill rate. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter holds one bucket per identity, so one caller cannot drain
// another's quota. A nil *Limiter allows everything.
type Limiter struct {
	perSecond float64
	capacity  float64
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	at     time.Time
}

// NewLimiter creates a limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	capacity := max(cfg.BurstSize, 0)
	if capacity == 0 {
		capacity = max(cfg.RequestsPerMinute, 1)
	}
	return &Limiter{
		perSecond: float64(cfg.RequestsPerMinute) / 60,
		capacity:  float64(capacity),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

// Unlimited reports whether the limiter never rejects.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.perSecond <= 0
}

// Allow takes one token from identity's bucket. A new identity starts with
// a full bucket. When the bucket is empty it returns a *LimitedError.
func (l *Limiter) Allow(identity string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[identity]
	if b == nil {
		b = &bucket{tokens: l.capacity, at: now}
		l.buckets[identity] = b
	}
	b.tokens = l.level(b, now)
	b.at = now

	if b.tokens < 1 {
		wait := (1 - b.tokens) / l.perSecond
		return &LimitedError{RetryAfter: time.Duration(wait * float64(time.Second))}
	}
	b.tokens--
	return nil
}

// level is the token count of b at now, capped at capacity.
func (l *Limiter) level(b *bucket, now time.Time) float64 {
	return math.Min(l.capacity, b.tokens+now.Sub(b.at).Seconds()*l.perSecond)
}

// Prune forgets identities whose bucket has refilled completely; a fresh
// bucket would behave the same. It returns how many were dropped.
func (l *Limiter) Prune() int {
	if l.Unlimited() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for id, b := range l.buckets {
		if l.level(b, now) >= l.capacity {
			delete(l.buckets, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
