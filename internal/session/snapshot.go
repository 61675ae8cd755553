package session

import (
	"time"

	"stressd/internal/keystroke"
)

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	// ID identifies the session; every reset draws a new one.
	ID            string                     `json:"id"`
	SessionStart  time.Time                  `json:"session_start"`
	LastActivity  time.Time                  `json:"last_activity"`
	Keystrokes    []keystroke.KeystrokeEvent `json:"-"`
	Window        []keystroke.KeystrokeEvent `json:"-"`
	Compiles      []keystroke.CompileEvent   `json:"-"`
	ErrorSequence []string                   `json:"error_sequence"`

	TotalKeystrokes int `json:"total_keystrokes"`
	TotalBackspaces int `json:"total_backspaces"`
	TotalCompiles   int `json:"total_compiles"`
	FailedCompiles  int `json:"failed_compiles"`
	RepeatedErrors  int `json:"repeated_errors"`

	RealtimeWPM           float64 `json:"realtime_wpm"`
	RealtimeBackspaceRate float64 `json:"realtime_backspace_rate"`

	Monitoring bool `json:"monitoring"`
}

// Elapsed is the time between session start and the last recorded event.
func (s Snapshot) Elapsed() time.Duration {
	return s.LastActivity.Sub(s.SessionStart)
}

// WPM is the whole-session typing speed.
func (s Snapshot) WPM() float64 {
	return keystroke.WPM(s.TotalKeystrokes, s.Elapsed())
}

// Summary is the per-session record kept in the history database.
type Summary struct {
	SessionID       string    `json:"session_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	TotalKeystrokes int       `json:"total_keystrokes"`
	TotalBackspaces int       `json:"total_backspaces"`
	TotalCompiles   int       `json:"total_compiles"`
	FailedCompiles  int       `json:"failed_compiles"`
	RepeatedErrors  int       `json:"repeated_errors"`
	WPM             float64   `json:"wpm"`
}

// Summary reduces the snapshot to its totals.
func (s Snapshot) Summary() Summary {
	return Summary{
		SessionID:       s.ID,
		Start:           s.SessionStart,
		End:             s.LastActivity,
		TotalKeystrokes: s.TotalKeystrokes,
		TotalBackspaces: s.TotalBackspaces,
		TotalCompiles:   s.TotalCompiles,
		FailedCompiles:  s.FailedCompiles,
		RepeatedErrors:  s.RepeatedErrors,
		WPM:             s.WPM(),
	}
}
