package keystroke

import "time"

// CharsPerWord is the conventional word length used for words-per-minute.
const CharsPerWord = 5

// WPM converts a keystroke count over an elapsed duration into words per
// minute. It returns 0 when elapsed is not positive.
func WPM(keystrokes int, elapsed time.Duration) float64 {
	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(keystrokes) / CharsPerWord / minutes
}

// Rates holds the short-horizon typing rates derived from a window.
type Rates struct {
	WPM           float64
	BackspaceRate float64
}

// RealtimeRates computes WPM over the span of the given keystrokes and the
// fraction of them that were backspaces. Fewer than two keystrokes, or a
// zero span, give a WPM of 0.
func RealtimeRates(events []KeystrokeEvent) Rates {
	var r Rates
	if len(events) == 0 {
		return r
	}

	backspaces := 0
	for _, e := range events {
		if e.IsBackspace {
			backspaces++
		}
	}
	r.BackspaceRate = float64(backspaces) / float64(len(events))

	if len(events) >= 2 {
		span := events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
		r.WPM = WPM(len(events), span)
	}
	return r
}
