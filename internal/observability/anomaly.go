package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngao/internal/config"
)

const (
	defaultWindowSeconds   = 300
	defaultDenialThreshold = 5
	minSamples             = 5
	bucketsPerWindow       = 10
)

// AnomalyDetector warns when shell commands keep failing or when one
// identity keeps hitting the access gate. Counts live in fixed time buckets
// spanning the configured window; each condition warns once per window.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    time.Duration
	errorRate float64
	denials   int
	logger    *slog.Logger
	now       func() time.Time

	outcomes map[string]*bucketCounter // by operation
	denied   map[string]*bucketCounter // by identity
	warned   map[string]time.Time
}

// NewAnomalyDetector creates a detector from cfg. logger may be nil.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		window:   defaultWindowSeconds * time.Second,
		denials:  defaultDenialThreshold,
		logger:   logger,
		now:      time.Now,
		outcomes: make(map[string]*bucketCounter),
		denied:   make(map[string]*bucketCounter),
		warned:   make(map[string]time.Time),
	}
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.DenialThreshold > 0 {
			a.denials = cfg.DenialThreshold
		}
		a.errorRate = cfg.ErrorRateThreshold
	}
	return a
}

// RecordSuccess counts a successful run of operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter(a.outcomes, operation).add(a.now(), 1, 0)
}

// RecordError counts a failed run of operation and warns when the failure
// rate crosses the threshold.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	c := a.counter(a.outcomes, operation)
	c.add(now, 0, 1)

	if a.errorRate <= 0 {
		return
	}
	ok, failed := c.sum(now)
	total := ok + failed
	if total < minSamples {
		return
	}
	rate := float64(failed) / float64(total)
	if rate > a.errorRate && a.firstWarning("errors:"+operation, now) {
		a.warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.errorRate),
			slog.Int("samples", total),
		)
	}
}

// RecordDenial counts a gate denial and reports whether identity is at or
// over the denial threshold within the window.
func (a *AnomalyDetector) RecordDenial(identity string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	c := a.counter(a.denied, identity)
	c.add(now, 0, 1)

	_, count := c.sum(now)
	if count < a.denials {
		return false
	}
	if a.firstWarning("denials:"+identity, now) {
		a.warn("anomaly detected: repeated access denials",
			slog.String("identity", identity),
			slog.Int("denials", count),
			slog.Duration("window", a.window),
		)
	}
	return true
}

// ErrorRate returns the failure ratio of operation within the window and
// the number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.outcomes[operation]
	if !ok {
		return 0, 0
	}
	succeeded, failed := c.sum(a.now())
	total := succeeded + failed
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

func (a *AnomalyDetector) counter(m map[string]*bucketCounter, key string) *bucketCounter {
	c, ok := m[key]
	if !ok {
		c = &bucketCounter{width: a.window / bucketsPerWindow}
		m[key] = c
	}
	return c
}

// firstWarning reports whether key has not warned within the last window.
// Must be called with a.mu held.
func (a *AnomalyDetector) firstWarning(key string, now time.Time) bool {
	if last, ok := a.warned[key]; ok && now.Sub(last) < a.window {
		return false
	}
	a.warned[key] = now
	return true
}

func (a *AnomalyDetector) warn(msg string, attrs ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, attrs...)
	}
}

// bucketCounter counts successes and failures in a ring of buckets, each
// width wide. A bucket is reset when its slot comes around again.
type bucketCounter struct {
	width   time.Duration
	buckets [bucketsPerWindow]bucket
}

type bucket struct {
	slot       int64
	ok, failed int
}

func (c *bucketCounter) slotOf(t time.Time) int64 {
	if c.width <= 0 {
		return t.UnixNano()
	}
	return t.UnixNano() / int64(c.width)
}

func (c *bucketCounter) add(now time.Time, ok, failed int) {
	slot := c.slotOf(now)
	b := &c.buckets[slot%bucketsPerWindow]
	if b.slot != slot {
		*b = bucket{slot: slot}
	}
	b.ok += ok
	b.failed += failed
}

func (c *bucketCounter) sum(now time.Time) (ok, failed int) {
	current := c.slotOf(now)
	for _, b := range c.buckets {
		if current-b.slot < bucketsPerWindow {
			ok += b.ok
			failed += b.failed
		}
	}
	return ok, failed
}
