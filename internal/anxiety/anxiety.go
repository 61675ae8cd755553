// Package anxiety holds the classification result shared by the prediction
// client and the decision engine.
package anxiety

import (
	"strings"
	"time"
)

// Level is the classified anxiety level.
type Level int

const (
	Unknown Level = iota
	Low
	Moderate
	High
	Extreme
)

func (l Level) String() string {
	switch l {
	case Low:
		return "Low"
	case Moderate:
		return "Moderate"
	case High:
		return "High"
	case Extreme:
		return "Extreme"
	default:
		return "Unknown"
	}
}

// Elevated reports whether the level warrants an intervention.
func (l Level) Elevated() bool {
	return l == High || l == Extreme
}

// ParseLevel accepts the wire labels case-insensitively. Unrecognised
// labels parse as Unknown.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low
	case "moderate":
		return Moderate
	case "high":
		return High
	case "extreme":
		return Extreme
	default:
		return Unknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	*l = ParseLevel(string(b))
	return nil
}

// Levels lists the known levels, lowest first.
func Levels() []Level {
	return []Level{Low, Moderate, High, Extreme}
}

// Prediction is one classification. The zero value is the fail-closed
// result: Unknown level, no confidence, no recommendation.
type Prediction struct {
	Level             Level     `json:"level"`
	Confidence        float64   `json:"confidence"`
	TriggeredFeatures string    `json:"triggered_features"`
	Timestamp         time.Time `json:"timestamp"`
	ShouldIntervene   bool      `json:"should_intervene"`
}
