// Package healthz runs the relay's health checks: the compositor socket
// accepts connections and the relay socket is still in place.
package healthz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"wlrelay/internal/endpoint"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 2 * time.Second

// Check is the outcome of one checker.
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the aggregate of all checks.
type Result struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	NameVal string
	CheckFn func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.NameVal }
func (c CheckerFunc) Check(ctx context.Context) error { return c.CheckFn(ctx) }

type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

func New() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Checker)}
}

func (h *HealthChecker) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[c.Name()] = c
}

// RunChecks runs every check with a per-check timeout, in name order.
func (h *HealthChecker) RunChecks(ctx context.Context) Result {
	h.mu.RLock()
	checks := make([]Checker, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name() < checks[j].Name() })

	result := Result{Status: StatusHealthy, Timestamp: time.Now(), Checks: make([]Check, 0, len(checks))}
	for _, c := range checks {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		check := Check{Name: c.Name(), Status: StatusHealthy, Duration: time.Since(start)}
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			result.Status = StatusUnhealthy
		}
		result.Checks = append(result.Checks, check)
	}
	return result
}

// ServeHTTP answers 200 when every check passes and 503 otherwise.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result := h.RunChecks(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if result.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}

// Upstream checks that the compositor accepts a connection.
func Upstream(c endpoint.Connector) Checker {
	return CheckerFunc{NameVal: "upstream", CheckFn: func(ctx context.Context) error {
		conn, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		return conn.Close()
	}}
}

// Socket checks that the relay socket file still exists.
func Socket(path string) Checker {
	return CheckerFunc{NameVal: "socket", CheckFn: func(context.Context) error {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("%s is not a socket", path)
		}
		return nil
	}}
}
