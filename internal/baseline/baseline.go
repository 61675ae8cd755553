// Package baseline tracks a user's reference typing session, used to express
// the current typing speed relative to their own normal pace.
package baseline

import (
	"context"
	"sync"
	"time"

	"stressd/internal/keystroke"
	"stressd/internal/session"
)

// Alpha is the weight of the newest session in the moving average.
const Alpha = 0.1

// Data is the reference session. The first session is stored as-is; later
// sessions fold their counters in with an exponential moving average.
type Data struct {
	SessionStart    time.Time `json:"session_start"`
	LastActivity    time.Time `json:"last_activity"`
	TotalKeystrokes int       `json:"total_keystrokes"`
	TotalBackspaces int       `json:"total_backspaces"`
	TotalCompiles   int       `json:"total_compiles"`
	FailedCompiles  int       `json:"failed_compiles"`
	Sessions        int       `json:"sessions"`
}

// Duration is the span of the reference session.
func (d Data) Duration() time.Duration {
	return d.LastActivity.Sub(d.SessionStart)
}

// WPM is the reference typing speed, or 0 when the duration is not positive.
func (d Data) WPM() float64 {
	return keystroke.WPM(d.TotalKeystrokes, d.Duration())
}

// Persister loads and saves the baseline across restarts.
type Persister interface {
	LoadBaseline(ctx context.Context) (Data, bool, error)
	SaveBaseline(ctx context.Context, d Data) error
}

// Tracker holds the baseline. It is safe for concurrent use.
type Tracker struct {
	mu   sync.RWMutex
	data Data
	has  bool
}

// New returns a tracker with no baseline.
func New() *Tracker {
	return &Tracker{}
}

// HasBaseline reports whether any session has been recorded.
func (t *Tracker) HasBaseline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.has
}

// Update folds a finished session into the baseline and returns the result.
func (t *Tracker) Update(s session.Snapshot) Data {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.has {
		t.data = Data{
			SessionStart:    s.SessionStart,
			LastActivity:    s.LastActivity,
			TotalKeystrokes: s.TotalKeystrokes,
			TotalBackspaces: s.TotalBackspaces,
			TotalCompiles:   s.TotalCompiles,
			FailedCompiles:  s.FailedCompiles,
			Sessions:        1,
		}
		t.has = true
		return t.data
	}

	t.data.TotalKeystrokes = ema(t.data.TotalKeystrokes, s.TotalKeystrokes)
	t.data.TotalBackspaces = ema(t.data.TotalBackspaces, s.TotalBackspaces)
	t.data.TotalCompiles = ema(t.data.TotalCompiles, s.TotalCompiles)
	t.data.FailedCompiles = ema(t.data.FailedCompiles, s.FailedCompiles)
	t.data.Sessions++
	return t.data
}

// ema truncates toward zero.
func ema(old, current int) int {
	return int((1-Alpha)*float64(old) + Alpha*float64(current))
}

// Snapshot returns a copy of the baseline and whether one exists.
func (t *Tracker) Snapshot() (Data, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data, t.has
}

// Restore replaces the baseline with previously persisted data.
func (t *Tracker) Restore(d Data) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = d
	t.has = true
}

// Clear drops the baseline.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = Data{}
	t.has = false
}

// Velocity returns the baseline WPM. ok is false when there is no baseline
// or its duration is not positive.
func (t *Tracker) Velocity() (wpm float64, ok bool) {
	d, has := t.Snapshot()
	if !has || d.Duration() <= 0 {
		return 0, false
	}
	return d.WPM(), true
}
