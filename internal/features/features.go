// Package features turns a session snapshot into the fixed eight-entry
// feature vector sent to the prediction service.
//
// Every calculation tolerates short or empty input by returning a neutral
// value, and every entry is finite.
package features

import (
	"math"
	"time"

	"stressd/internal/keystroke"
	"stressd/internal/session"
)

// Size is the number of entries in a Vector.
const Size = 8

// Vector index positions. The order is part of the prediction protocol.
const (
	TypingVelocity = iota
	KeystrokeVariance
	BackspaceRate
	RepeatedErrorDensity
	CompileFailureRate
	FocusSwitches
	IdleRatio
	UndoRedoBurstRate
)

// Vector is an extracted feature vector.
type Vector [Size]float64

var names = [Size]string{
	"typing_velocity",
	"keystroke_variance",
	"backspace_rate",
	"red_metric",
	"compile_failure_rate",
	"focus_switches",
	"idle_ratio",
	"undo_redo_bursts",
}

// Names returns the feature names in vector order.
func Names() []string {
	return append([]string(nil), names[:]...)
}

// Slice returns the entries as a slice.
func (v Vector) Slice() []float64 {
	return append([]float64(nil), v[:]...)
}

// Map returns the entries keyed by name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Size)
	for i, n := range names {
		m[n] = v[i]
	}
	return m
}

// Tunables.
const (
	minKeystrokes      = 10
	minShortKeystrokes = 5
	minWindowEntries   = 5
	minValidIntervals  = 5
	ReferenceWPM       = 40.0
	maxRhythmInterval  = 2000 * time.Millisecond
	focusSwitchGap     = 30 * time.Second
	idleGap            = 5 * time.Second
	burstRunLength     = 3
	neutralVelocity    = 1.0
	neutralVariance    = 0.5
	redScale           = 10.0
	burstScale         = 10.0
)

// BaselineVelocity reports the user's reference WPM; ok is false when no
// usable baseline exists. *baseline.Tracker satisfies it.
type BaselineVelocity interface {
	Velocity() (wpm float64, ok bool)
}

// Extract computes the feature vector for s. A nil baseline means none.
func Extract(s session.Snapshot, b BaselineVelocity) Vector {
	var v Vector
	v[TypingVelocity] = velocity(s, b)
	v[KeystrokeVariance] = variance(s)
	v[BackspaceRate] = backspaceRate(s)
	v[RepeatedErrorDensity] = redMetric(s)
	v[CompileFailureRate] = compileFailureRate(s)
	v[FocusSwitches] = focusSwitches(s)
	v[IdleRatio] = idleRatio(s)
	v[UndoRedoBurstRate] = burstRate(s)

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

func velocity(s session.Snapshot, b BaselineVelocity) float64 {
	if s.TotalKeystrokes < minKeystrokes {
		return neutralVelocity
	}
	current := s.WPM()

	if b != nil {
		if base, ok := b.Velocity(); ok && base > 0 {
			return current / base
		}
	}
	if s.RealtimeWPM > 0 {
		return s.RealtimeWPM / ReferenceWPM
	}
	return current / ReferenceWPM
}

func variance(s session.Snapshot) float64 {
	if s.TotalKeystrokes < minKeystrokes || len(s.Window) < minWindowEntries {
		return neutralVariance
	}

	intervals := make([]float64, 0, len(s.Window))
	for i := 1; i < len(s.Window); i++ {
		d := s.Window[i].Timestamp.Sub(s.Window[i-1].Timestamp)
		if d <= 0 || d >= maxRhythmInterval {
			continue
		}
		intervals = append(intervals, float64(d)/float64(time.Millisecond))
	}
	if len(intervals) < minValidIntervals {
		return neutralVariance
	}

	var sum float64
	for _, x := range intervals {
		sum += x
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return neutralVariance
	}
	var sq float64
	for _, x := range intervals {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq/float64(len(intervals))) / mean
}

func backspaceRate(s session.Snapshot) float64 {
	if s.TotalKeystrokes < minKeystrokes {
		return 0
	}
	if s.RealtimeBackspaceRate > 0 {
		return clamp01(s.RealtimeBackspaceRate)
	}
	return clamp01(float64(s.TotalBackspaces) / float64(s.TotalKeystrokes))
}

// redMetric is a density score and is not bounded above by 1.
func redMetric(s session.Snapshot) float64 {
	if len(s.ErrorSequence) < 2 {
		return 0
	}
	return float64(s.RepeatedErrors) / float64(len(s.ErrorSequence)) * redScale
}

func compileFailureRate(s session.Snapshot) float64 {
	if s.TotalCompiles <= 0 {
		return 0
	}
	return float64(s.FailedCompiles) / float64(s.TotalCompiles)
}

func focusSwitches(s session.Snapshot) float64 {
	if len(s.Keystrokes) < minShortKeystrokes {
		return 0
	}
	n := 0
	forEachGap(s.Keystrokes, func(gap time.Duration) {
		if gap > focusSwitchGap {
			n++
		}
	})
	return float64(n)
}

func idleRatio(s session.Snapshot) float64 {
	if len(s.Keystrokes) < minShortKeystrokes {
		return 0
	}
	elapsed := s.Elapsed()
	if elapsed <= 0 {
		return 0
	}
	var idle time.Duration
	forEachGap(s.Keystrokes, func(gap time.Duration) {
		if gap > idleGap {
			idle += gap
		}
	})
	return float64(idle) / float64(elapsed)
}

// burstRate counts every window position at which the current run of
// consecutive backspaces is longer than burstRunLength, so a run of five
// counts twice.
func burstRate(s session.Snapshot) float64 {
	if s.TotalKeystrokes < minKeystrokes || len(s.Window) == 0 {
		return 0
	}
	bursts, run := 0, 0
	for _, e := range s.Window {
		if !e.IsBackspace {
			run = 0
			continue
		}
		run++
		if run > burstRunLength {
			bursts++
		}
	}
	return float64(bursts) / float64(len(s.Window)) * burstScale
}

func forEachGap(events []keystroke.KeystrokeEvent, fn func(time.Duration)) {
	for i := 1; i < len(events); i++ {
		fn(events[i].Timestamp.Sub(events[i-1].Timestamp))
	}
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
