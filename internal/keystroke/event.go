// Package keystroke models the editing activity stressd observes: individual
// keystrokes and compiler runs, plus the bounded rolling window of recent
// keystrokes that short-horizon rhythm statistics are computed over.
//
// The package records what was typed only in memory and in the session
// export the user asked for. Nothing here hooks the keyboard; events are
// handed in by the host editor integration.
package keystroke

import (
	"time"

	"stressd/internal/compiler"
)

// Event is a host event accepted by the session store. It is implemented by
// KeystrokeEvent and CompileEvent only.
type Event interface {
	Time() time.Time
	isEvent()
}

// KeystrokeEvent is one key press. It is immutable once recorded.
type KeystrokeEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Char        rune      `json:"char"`
	IsBackspace bool      `json:"is_backspace"`
	KeyCode     int       `json:"key_code"`
	Modifiers   int64     `json:"modifiers"`
}

// Time returns when the key was pressed.
func (e KeystrokeEvent) Time() time.Time { return e.Timestamp }
func (KeystrokeEvent) isEvent() {}

// CompileEvent is one build attempt with its parsed diagnostics.
type CompileEvent struct {
	Timestamp    time.Time          `json:"timestamp"`
	Output       string             `json:"output"`
	Success      bool               `json:"success"`
	Language     compiler.Language  `json:"language"`
	ErrorCount   int                `json:"error_count"`
	WarningCount int                `json:"warning_count"`
	FirstError   string             `json:"first_error,omitempty"`
	ErrorKind    compiler.ErrorKind `json:"error_kind"`
	Signature    string             `json:"signature,omitempty"`
}

// Time returns when the build finished.
func (e CompileEvent) Time() time.Time { return e.Timestamp }
func (CompileEvent) isEvent() {}

// NewCompileEvent parses raw compiler output into a CompileEvent.
func NewCompileEvent(at time.Time, output string, success bool, lang compiler.Language) CompileEvent {
	r := compiler.Parse(output, lang)
	return CompileEvent{
		Timestamp:    at,
		Output:       output,
		Success:      success,
		Language:     lang,
		ErrorCount:   r.ErrorCount,
		WarningCount: r.WarningCount,
		FirstError:   r.FirstError,
		ErrorKind:    r.Kind,
		Signature:    r.Signature,
	}
}
