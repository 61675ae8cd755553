package intervention

import (
	"strings"
	"sync"
	"time"

	"stressd/internal/anxiety"
	"stressd/internal/features"
)

// Gate defaults.
const (
	DefaultThreshold = 0.7
	DefaultCooldown  = 300 * time.Second
)

// Gate decides whether a classification becomes an intervention. It is
// safe for concurrent use.
type Gate struct {
	now func() time.Time

	mu               sync.Mutex
	threshold        float64
	cooldown         time.Duration
	onCooldown       bool
	lastIntervention time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock sets the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. Non-positive arguments select the defaults.
func NewGate(threshold float64, cooldown time.Duration, opts ...GateOption) *Gate {
	g := &Gate{now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.SetThreshold(threshold)
	g.SetCooldown(cooldown)
	return g
}

// SetThreshold changes the minimum confidence.
func (g *Gate) SetThreshold(threshold float64) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	g.mu.Lock()
	g.threshold = threshold
	g.mu.Unlock()
}

// SetCooldown changes the minimum time between interventions.
func (g *Gate) SetCooldown(cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	g.mu.Lock()
	g.cooldown = cooldown
	g.mu.Unlock()
}

// Threshold returns the minimum confidence.
func (g *Gate) Threshold() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

// Cooldown returns the minimum time between interventions.
func (g *Gate) Cooldown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown
}

// ShouldIntervene applies, in order: cooldown, confidence threshold,
// level High or Extreme, and non-empty feature evidence. It does not start
// the cooldown.
func (g *Gate) ShouldIntervene(level anxiety.Level, confidence float64, triggered []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowLocked(level, confidence, triggered)
}

// TryApprove is ShouldIntervene and StartCooldown under one lock: of any
// number of concurrent callers inside one cooldown, at most one is approved.
func (g *Gate) TryApprove(level anxiety.Level, confidence float64, triggered []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.allowLocked(level, confidence, triggered) {
		return false
	}
	g.lastIntervention = g.now()
	g.onCooldown = true
	return true
}

func (g *Gate) allowLocked(level anxiety.Level, confidence float64, triggered []string) bool {
	if g.onCooldownLocked() {
		return false
	}
	if confidence < g.threshold {
		return false
	}
	if !level.Elevated() {
		return false
	}
	return HasEvidence(triggered)
}

// onCooldownLocked clears an expired cooldown as a side effect.
func (g *Gate) onCooldownLocked() bool {
	if !g.onCooldown {
		return false
	}
	if g.now().Sub(g.lastIntervention) >= g.cooldown {
		g.onCooldown = false
		return false
	}
	return true
}

// OnCooldown reports whether an intervention was started less than the
// cooldown ago.
func (g *Gate) OnCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.onCooldownLocked()
}

// StartCooldown stamps the current time. Call it once per approved
// intervention, before presenting it.
func (g *Gate) StartCooldown() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastIntervention = g.now()
	g.onCooldown = true
	return g.lastIntervention
}

// ResetCooldown clears the cooldown.
func (g *Gate) ResetCooldown() {
	g.mu.Lock()
	g.onCooldown = false
	g.mu.Unlock()
}

// LastIntervention returns the time of the last StartCooldown.
func (g *Gate) LastIntervention() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastIntervention
}

// HasEvidence reports whether triggered names at least one abnormal
// feature. The normal-pattern label is not evidence.
func HasEvidence(triggered []string) bool {
	for _, t := range triggered {
		t = strings.TrimSpace(t)
		if t != "" && !strings.EqualFold(t, features.NormalPatternIndicator) {
			return true
		}
	}
	return false
}

// SplitFeatures splits a comma-separated triggered-feature description.
func SplitFeatures(description string) []string {
	var out []string
	for _, part := range strings.Split(description, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
