// Package intervention gates classifications into interventions and keeps
// the intervention and feedback history.
package intervention

import (
	"time"

	"stressd/internal/anxiety"
)

// Type is the kind of intervention offered.
type Type int

const (
	TypeErrorHint Type = iota
	TypeBreakSuggestion
	TypeEncouragement
	TypeSuccessCelebration
	TypeCalibrationRequest
	TypeStatisticsShow
)

var typeNames = [...]string{
	TypeErrorHint:          "error_hint",
	TypeBreakSuggestion:    "break_suggestion",
	TypeEncouragement:      "encouragement",
	TypeSuccessCelebration: "success_celebration",
	TypeCalibrationRequest: "calibration_request",
	TypeStatisticsShow:     "statistics_show",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Notice reports whether t is a panel the host asked for rather than a
// response to detected anxiety. Notices are kept in the history so they can
// be answered, but they are not counted or persisted.
func (t Type) Notice() bool {
	return t == TypeCalibrationRequest || t == TypeStatisticsShow
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Severity is how prominently an intervention should be shown.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuggestion
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuggestion:
		return "suggestion"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SeverityFor maps a level to the severity of the intervention it causes.
func SeverityFor(level anxiety.Level) Severity {
	switch level {
	case anxiety.Extreme:
		return SeverityCritical
	case anxiety.High:
		return SeverityWarning
	case anxiety.Moderate:
		return SeveritySuggestion
	default:
		return SeverityInfo
	}
}

// NoRelief marks an intervention without a reported relief score.
const NoRelief = -1

// Intervention is one offered intervention and the user's response to it.
type Intervention struct {
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	Level             anxiety.Level `json:"level"`
	Type              Type          `json:"type"`
	Severity          Severity      `json:"severity"`
	Title             string        `json:"title"`
	Message           string        `json:"message"`
	Hint              string        `json:"hint,omitempty"`
	ErrorType         string        `json:"error_type,omitempty"`
	Options           []string      `json:"options"`
	Accepted          bool          `json:"accepted"`
	Dismissed         bool          `json:"dismissed"`
	ResponseTime      time.Time     `json:"response_time,omitzero"`
	ReliefScore       int           `json:"relief_score"`
	Confidence        float64       `json:"confidence"`
	TriggeredFeatures []string      `json:"triggered_features,omitempty"`
}

// Responded reports whether the user acted on the intervention.
func (iv *Intervention) Responded() bool {
	return !iv.ResponseTime.IsZero()
}

// Feedback is a user rating of an intervention.
type Feedback struct {
	Timestamp      time.Time `json:"timestamp"`
	InterventionID string    `json:"intervention_id"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	Helpful        bool      `json:"helpful"`
}

// Rating bounds.
const (
	MinRating     = 1
	MaxRating     = 5
	HelpfulRating = 4
)

// Relief score bounds. NoRelief is also accepted.
const (
	MinRelief = 0
	MaxRelief = 10
)

func optionsFor(t Type, hint string) []string {
	switch {
	case t == TypeErrorHint && hint != "":
		return []string{"Show Hint", "Dismiss"}
	case t == TypeBreakSuggestion:
		return []string{"Take Break", "Continue"}
	default:
		return []string{"OK"}
	}
}
