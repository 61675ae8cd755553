// Package session owns the state of the active monitoring session: the
// keystroke and compile logs, the rolling keystroke window, running totals
// and the repeated-error bookkeeping that feature extraction reads.
//
// Every mutation and every snapshot goes through a single mutex so readers
// always observe a consistent session. Snapshots are deep copies.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stressd/internal/compiler"
	"stressd/internal/keystroke"
)

// Store is the live session. The zero value is not usable; call New.
type Store struct {
	monitoring atomic.Bool
	now        func() time.Time

	mu    sync.Mutex
	state state
}

type state struct {
	id            string
	sessionStart  time.Time
	lastActivity  time.Time
	keystrokes    []keystroke.KeystrokeEvent
	window        *keystroke.Window
	compiles      []keystroke.CompileEvent
	errorSequence []string

	totalKeystrokes int
	totalBackspaces int
	totalCompiles   int
	failedCompiles  int
	repeatedErrors  int

	realtimeWPM           float64
	realtimeBackspaceRate float64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the source of event and session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an idle store. Recording is a no-op until StartMonitoring.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.state.window = keystroke.NewWindow(keystroke.WindowSize)
	s.resetLocked()
	return s
}

// StartMonitoring begins a fresh session. It reports false, and leaves the
// running session untouched, if monitoring was already on.
func (s *Store) StartMonitoring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.monitoring.CompareAndSwap(false, true) {
		return false
	}
	s.resetLocked()
	return true
}

// StopMonitoring turns recording off and returns the final session. Record
// calls made after StopMonitoring returns are dropped. Only the call that
// actually ends the session gets ok; concurrent or repeated calls get false.
func (s *Store) StopMonitoring() (final Snapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.monitoring.CompareAndSwap(true, false) {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

// IsMonitoring reports whether events are being recorded.
func (s *Store) IsMonitoring() bool {
	return s.monitoring.Load()
}

// RecordKeystroke appends a key press to the session.
func (s *Store) RecordKeystroke(char rune, isBackspace bool, keyCode int, modifiers int64) {
	if !s.monitoring.Load() {
		return
	}
	s.recordKeystroke(keystroke.KeystrokeEvent{
		Timestamp:   s.now(),
		Char:        char,
		IsBackspace: isBackspace,
		KeyCode:     keyCode,
		Modifiers:   modifiers,
	})
}

// RecordCompile parses raw compiler output and appends the build to the
// session.
func (s *Store) RecordCompile(output string, success bool, lang compiler.Language) {
	if !s.monitoring.Load() {
		return
	}
	s.recordCompile(keystroke.NewCompileEvent(s.now(), output, success, lang))
}

// Ingest records an already-built event, keeping its timestamp. A zero
// timestamp is replaced with the store clock.
func (s *Store) Ingest(ev keystroke.Event) {
	if !s.monitoring.Load() {
		return
	}
	switch e := ev.(type) {
	case keystroke.KeystrokeEvent:
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now()
		}
		s.recordKeystroke(e)
	case keystroke.CompileEvent:
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now()
		}
		s.recordCompile(e)
	}
}

func (s *Store) recordKeystroke(e keystroke.KeystrokeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.monitoring.Load() {
		return
	}

	st := &s.state
	st.keystrokes = append(st.keystrokes, e)
	st.window.Push(e)
	st.totalKeystrokes++
	if e.IsBackspace {
		st.totalBackspaces++
	}
	st.lastActivity = e.Timestamp
	s.recomputeLocked()
}

func (s *Store) recordCompile(e keystroke.CompileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.monitoring.Load() {
		return
	}

	st := &s.state
	st.compiles = append(st.compiles, e)
	st.totalCompiles++
	st.lastActivity = e.Timestamp
	if e.Success {
		return
	}

	st.failedCompiles++
	// Builds that fail without a recognisable error line carry no signature
	// and are left out of repeat detection.
	if e.Signature == "" {
		return
	}
	// Only the immediately preceding signature is compared.
	if n := len(st.errorSequence); n > 0 && st.errorSequence[n-1] == e.Signature {
		st.repeatedErrors++
	}
	st.errorSequence = append(st.errorSequence, e.Signature)
}

// RecomputeRealtime refreshes the real-time WPM and backspace rate from the
// rolling window.
func (s *Store) RecomputeRealtime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeLocked()
}

func (s *Store) recomputeLocked() {
	r := keystroke.RealtimeRates(s.state.window.Events())
	s.state.realtimeWPM = r.WPM
	s.state.realtimeBackspaceRate = r.BackspaceRate
}

// Reset clears all logs and counters and starts the session clock again.
// The monitoring flag is not changed.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	now := s.now()
	w := s.state.window
	w.Reset()
	s.state = state{
		id:           uuid.NewString(),
		sessionStart: now,
		lastActivity: now,
		window:       w,
	}
}

// Snapshot returns a deep copy of the session.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	st := &s.state
	snap := Snapshot{
		ID:                    st.id,
		SessionStart:          st.sessionStart,
		LastActivity:          st.lastActivity,
		Keystrokes:            append([]keystroke.KeystrokeEvent(nil), st.keystrokes...),
		Window:                st.window.Events(),
		Compiles:              append([]keystroke.CompileEvent(nil), st.compiles...),
		ErrorSequence:         append([]string(nil), st.errorSequence...),
		TotalKeystrokes:       st.totalKeystrokes,
		TotalBackspaces:       st.totalBackspaces,
		TotalCompiles:         st.totalCompiles,
		FailedCompiles:        st.failedCompiles,
		RepeatedErrors:        st.repeatedErrors,
		RealtimeWPM:           st.realtimeWPM,
		RealtimeBackspaceRate: st.realtimeBackspaceRate,
		Monitoring:            s.monitoring.Load(),
	}
	return snap
}
