package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	healthCheckTimeout = 3 * time.Second

	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// CheckFunc checks one dependency. It must honor ctx.
type CheckFunc func(ctx context.Context) error

// HealthChecker answers liveness and readiness checks. Readiness runs every
// registered check concurrently under one deadline.
type HealthChecker struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a checker with no checks. logger may be nil.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers check under name, replacing any earlier one.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckHealth reports liveness: the process answers, so it is ok.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady is ok only when every check passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checks := make([]CheckFunc, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runCheck(ctx, checks[i])
		}(i)
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(names))}
	for i, name := range names {
		r := results[i]
		status.Checks[name] = r
		if r.Status == StatusOK {
			continue
		}
		status.Status = StatusDegraded
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", r.Message),
				slog.Int64("latency_ms", r.LatencyMS),
			)
		}
	}
	return status
}

func runCheck(ctx context.Context, check CheckFunc) CheckResult {
	start := time.Now()
	err := check(ctx)
	r := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.Status, r.Message = StatusFail, err.Error()
	}
	return r
}

// DirCheck passes while path is an existing directory.
func DirCheck(path string) CheckFunc {
	return func(context.Context) error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}
		return nil
	}
}

// PingCheck adapts a Ping method (database, store) to a check.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("no ping function")
		}
		return ping(ctx)
	}
}
