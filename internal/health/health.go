// Package health reports whether the daemon's parts are working.
//
// A Checker runs the registered component checks concurrently, each under
// its own timeout, and aggregates them into one status. Critical components
// make the daemon unhealthy when they fail; the rest only degrade it. The
// HTTP handlers are mounted next to the metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the health of a component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a component check that sets no timeout of its own.
const DefaultTimeout = 2 * time.Second

// Result is the outcome of one component check.
type Result struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Checked  time.Time     `json:"checked"`
	Duration time.Duration `json:"duration_ns"`
}

// Check inspects one component.
type Check func(ctx context.Context) Result

// Component is a named check.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs component checks.
type Checker struct {
	mu         sync.RWMutex
	components []Component
	last       map[string]Result

	ready atomic.Bool
	start time.Time
	now   func() time.Time
}

// NewChecker returns a Checker with no components that is not yet ready.
func NewChecker() *Checker {
	return &Checker{
		last:  make(map[string]Result),
		start: time.Now(),
		now:   time.Now,
	}
}

// Register adds a component, replacing any with the same name.
func (c *Checker) Register(comp Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = slices.DeleteFunc(c.components, func(x Component) bool { return x.Name == comp.Name })
	c.components = append(c.components, comp)
	c.last[comp.Name] = Result{Status: StatusUnknown}
}

// SetReady marks whether the daemon is accepting events.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

// Ready reports the readiness flag.
func (c *Checker) Ready() bool { return c.ready.Load() }

// Check runs every component and returns the results by name.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	components := slices.Clone(c.components)
	c.mu.RUnlock()

	results := make([]Result, len(components))
	var g errgroup.Group
	for i, comp := range components {
		g.Go(func() error {
			results[i] = c.run(ctx, comp)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(components))
	c.mu.Lock()
	for i, comp := range components {
		out[comp.Name] = results[i]
		c.last[comp.Name] = results[i]
	}
	c.mu.Unlock()
	return out
}

func (c *Checker) run(ctx context.Context, comp Component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.Checked = start
	res.Duration = c.now().Sub(start)
	return res
}

// Overall aggregates results. A failed critical component is unhealthy; any
// other failure degrades.
func (c *Checker) Overall(results map[string]Result) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for _, comp := range c.components {
		res, ok := results[comp.Name]
		if !ok {
			res = c.last[comp.Name]
		}
		switch res.Status {
		case StatusHealthy:
		case StatusDegraded:
			status = StatusDegraded
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		default:
			if comp.Critical && status == StatusHealthy {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Last returns the most recent result for a component.
func (c *Checker) Last(name string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.last[name]
	return r, ok
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs all checks and summarizes them.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Check(ctx)
	now := c.now()
	return Report{
		Status:     c.Overall(results),
		Ready:      c.Ready(),
		Uptime:     now.Sub(c.start).Round(time.Second).String(),
		Components: results,
		Timestamp:  now,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers as long as the process serves HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": c.now()})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and whenever a critical
// component fails.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": c.now()})
			return
		}
		status := c.Overall(c.Check(r.Context()))
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": c.now()})
	})
}

// Handler serves the full Report. Degraded still answers 200.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context())
		code := http.StatusOK
		if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
}

// DatabaseCheck pings the history database.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "history database unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "history database ok"}
	}
}

// RunningCheck reports down when running returns false. Use StatusDegraded
// for parts the daemon can work without.
func RunningCheck(what string, running func() bool, down Status) Check {
	return func(context.Context) Result {
		if running() {
			return Result{Status: StatusHealthy, Message: what + " running"}
		}
		return Result{Status: down, Message: what + " stopped"}
	}
}
